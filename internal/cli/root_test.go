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
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/commands/shared"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "prefork" {
		t.Errorf("expected use 'prefork', got %q", cmd.Use)
	}

	if cmd.Short == "" {
		t.Error("expected short description to be set")
	}

	if cmd.Long == "" {
		t.Error("expected long description to be set")
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	// Check that flags are registered
	if cmd.PersistentFlags().Lookup("verbose") == nil {
		t.Error("verbose flag not registered")
	}

	if cmd.PersistentFlags().Lookup("quiet") == nil {
		t.Error("quiet flag not registered")
	}

	if cmd.PersistentFlags().Lookup("json") == nil {
		t.Error("json flag not registered")
	}

	if cmd.PersistentFlags().Lookup("config") == nil {
		t.Error("config flag not registered")
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := shared.GetVersion()
	if v != "1.2.3" || c != "abc123" || b != "2025-12-22" {
		t.Errorf("GetVersion() = %q, %q, %q", v, c, b)
	}
}

func TestVerboseAndQuietConflict(t *testing.T) {
	defer shared.SetFlagsForTest("", false, false, false)()

	run := func(args ...string) error {
		cmd := NewRootCommand()
		cmd.AddCommand(&cobra.Command{Use: "noop", RunE: func(*cobra.Command, []string) error { return nil }})
		cmd.SetArgs(args)
		return cmd.Execute()
	}

	if err := run("noop", "--verbose", "--quiet"); err == nil {
		t.Error("expected --verbose with --quiet to be rejected")
	}
	if err := run("noop", "--verbose"); err != nil {
		t.Errorf("--verbose alone failed: %v", err)
	}
}

func TestConfigFlagDefaultsToEmpty(t *testing.T) {
	cmd := NewRootCommand()

	flag := cmd.PersistentFlags().Lookup("config")
	if flag == nil {
		t.Fatal("config flag not registered")
	}
	if flag.DefValue != "" {
		t.Errorf("expected empty default so the environment fallback applies, got %q", flag.DefValue)
	}
	if cmd.PersistentFlags().ShorthandLookup("v") == nil {
		t.Error("expected -v shorthand for verbose")
	}
}
