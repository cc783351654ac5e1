// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package cli provides the root command and shared configuration for the prefork CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	prefork
	├── config
	│   ├── check     Validate settings, optionally bind every listener
	│   ├── show      Print the resolved settings
	│   ├── path      Print the config file in use
	│   └── watch     Report reloads as the file changes
	├── hook
	│   ├── before-fork   Run the before_fork handlers for a worker
	│   └── after-fork    Run the after_fork handlers for a worker
	├── completion    Generate shell completion scripts
	├── version       Show build and handler information
	└── help          Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	// ... add commands ...
	if err := rootCmd.ExecuteContext(ctx); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Log at debug level
	--quiet, -q      Only log errors (conflicts with --verbose)
	--json           Print results as JSON
	--config         Path to config file

# Exit Codes

  - 0: Success
  - 1: General error
  - 2: Invalid configuration
  - 3: A hook handler failed
  - 4: A listen target could not be bound
*/
package cli
