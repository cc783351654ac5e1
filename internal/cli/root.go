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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/commands/shared"
)

// SetVersion records the build metadata injected through -ldflags.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand returns the "prefork" command with the global flags
// registered. main attaches the subcommands.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefork",
		Short: "Worker manager configuration and fork hooks for pre-forking app servers",
		Long: `prefork describes how a pre-forking application server runs: how many
workers it forks, which sockets it listens on, how long a request may run,
where its PID file and logs go, and which handlers run around every fork.

Check a configuration and prove its sockets can be bound:
  prefork config check --bind

Call the fork hooks from an application server:
  prefork hook before-fork --worker N --server-pid $MASTER_PID
  prefork hook after-fork --worker N`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, asJSON, config := shared.RegisterFlagPointers()
	flags := cmd.PersistentFlags()
	flags.BoolVarP(verbose, "verbose", "v", false, "Log at debug level")
	flags.BoolVarP(quiet, "quiet", "q", false, "Only log errors and suppress status output")
	flags.BoolVar(asJSON, "json", false, "Print results as JSON")
	flags.StringVar(config, "config", "", "Path to config file (default: $PREFORK_CONFIG or ./prefork.yaml)")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	return cmd
}

// HandleExitError prints err and exits with the code it carries.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
