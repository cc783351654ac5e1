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

package config

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/prefork/internal/commands/shared"
	"github.com/tombee/prefork/internal/config"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
		Long: `Inspect and validate the worker-manager configuration.

Subcommands:
  check - Validate the configuration and optionally bind every listener
  show  - Display the resolved configuration
  path  - Show the config file location
  watch - Report configuration reloads as the file changes`,
	}

	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newPathCommand())
	cmd.AddCommand(newWatchCommand())

	// If no subcommand provided, default to 'show'
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runShow(cmd, args)
	}

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the resolved configuration",
		Long: `Display the configuration after defaults, environment overrides and
PID file resolution have been applied.

Database passwords are masked. Use --json for machine-readable output.`,
		RunE: runShow,
	}
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Println(shared.GetConfigPath())
			return nil
		},
	}
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, path, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	masked := *cfg
	masked.Database.DSN = maskDSN(cfg.Database.DSN)
	if len(cfg.Tracing.Headers) > 0 {
		masked.Tracing.Headers = make(map[string]string, len(cfg.Tracing.Headers))
		for k := range cfg.Tracing.Headers {
			masked.Tracing.Headers[k] = "****"
		}
	}

	out := cmd.OutOrStdout()
	switch {
	case shared.GetJSON():
		return shared.EmitJSON(out, &masked)
	case shared.IsTTY(out):
		printSummary(out, path, &masked)
		return nil
	default:
		return outputYAML(out, &masked)
	}
}

// maskDSN hides the password in a URL-style DSN.
func maskDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}

func outputYAML(w io.Writer, cfg *config.Config) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return encoder.Close()
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprintln(w, shared.RenderSection("Configuration: "+path))
	fmt.Fprintln(w, shared.RenderKV("worker_processes", cfg.WorkerProcesses))
	if cfg.WorkingDirectory != "" {
		fmt.Fprintln(w, shared.RenderKV("working_directory", cfg.WorkingDirectory))
	}
	fmt.Fprintln(w, shared.RenderKV("timeout", cfg.TimeoutDuration()))
	fmt.Fprintln(w, shared.RenderKV("pid", valueOr(cfg.PIDFile(), "(none)")))
	fmt.Fprintln(w, shared.RenderKV("stderr_path", cfg.StderrPath))
	fmt.Fprintln(w, shared.RenderKV("stdout_path", cfg.StdoutPath))
	fmt.Fprintln(w, shared.RenderKV("preload_app", cfg.PreloadApp))
	fmt.Fprintln(w, shared.RenderKV("gc.copy_on_write_friendly", cfg.GC.CopyOnWriteFriendly))
	fmt.Fprintln(w, shared.RenderKV("check_client_connection", cfg.CheckClientConnection))

	fmt.Fprintln(w, shared.RenderSection("Listen"))
	for _, l := range cfg.Listen {
		line := fmt.Sprintf("  %s (backlog %d)", l.Address, l.Backlog)
		if l.TCPNoPush {
			line += " tcp_nopush"
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, shared.RenderSection("Hooks"))
	fmt.Fprintln(w, shared.RenderKV("before_fork", strings.Join(cfg.Hooks.BeforeFork, ", ")))
	fmt.Fprintln(w, shared.RenderKV("after_fork", strings.Join(cfg.Hooks.AfterFork, ", ")))
	if cfg.Hooks.ForkThrottle > 0 {
		fmt.Fprintln(w, shared.RenderKV("fork_throttle", cfg.Hooks.ForkThrottle))
	}
	if cfg.Tracing.Enabled() {
		fmt.Fprintln(w, shared.RenderSection("Tracing"))
		fmt.Fprintln(w, shared.RenderKV("exporter", cfg.Tracing.Exporter))
		fmt.Fprintln(w, shared.RenderKV("endpoint", valueOr(cfg.Tracing.Endpoint, "(stderr)")))
		fmt.Fprintln(w, shared.RenderKV("sample_rate", cfg.Tracing.Rate()))
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
