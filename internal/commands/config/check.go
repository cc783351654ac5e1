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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/commands/shared"
	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/database"
	"github.com/tombee/prefork/internal/hooks"
	"github.com/tombee/prefork/internal/listener"
)

type checkResult struct {
	shared.JSONResponse
	Path      string             `json:"path"`
	Errors    []shared.JSONError `json:"errors,omitempty"`
	Listeners []string           `json:"listeners,omitempty"`
	Database  string             `json:"database,omitempty"`
}

func newCheckCommand() *cobra.Command {
	var bind, connect bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration",
		Long: `Load the configuration, apply defaults and environment overrides, and
report every invalid setting.

With --bind, each listen target is also bound with its configured backlog
and released again, proving the addresses are available. With --connect,
the database used by the reconnect_database handler is opened and pinged.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, bind, connect)
		},
	}

	cmd.Flags().BoolVar(&bind, "bind", false, "Bind every listener and release it")
	cmd.Flags().BoolVar(&connect, "connect", false, "Open and ping the configured database")

	return cmd
}

func runCheck(cmd *cobra.Command, bind, connect bool) error {
	path := shared.GetConfigPath()
	out := cmd.OutOrStdout()
	result := checkResult{
		JSONResponse: shared.NewJSONResponse("config check", true),
		Path:         path,
	}

	cfg, err := config.Read(path)
	if err != nil {
		return shared.NewConfigError("failed to load configuration", err)
	}

	if problems := cfg.Problems(); len(problems) > 0 {
		result.Success = false
		for _, p := range problems {
			result.Errors = append(result.Errors, shared.JSONError{
				Field:      p.Field,
				Message:    p.Message,
				Suggestion: p.Hint,
			})
		}

		if shared.GetJSON() {
			if err := shared.EmitJSON(out, result); err != nil {
				return err
			}
		} else {
			for _, p := range problems {
				fmt.Fprintln(out, shared.RenderError(p.Error()))
			}
		}
		return shared.NewConfigError(fmt.Sprintf("%d invalid setting(s) in %s", len(problems), path), config.ErrInvalidConfig)
	}

	if bind {
		lns, err := listener.OpenAll(cfg.Listen)
		if err != nil {
			return shared.NewBindError("failed to bind listeners", err)
		}
		for _, ln := range lns {
			result.Listeners = append(result.Listeners, ln.Addr().String())
		}
		if err := listener.CloseAll(lns); err != nil {
			return shared.NewBindError("failed to release listeners", err)
		}
	}

	if connect {
		if conn := hooks.DatabaseFromConfig(cfg); conn != nil {
			if err := pingDatabase(cmd.Context(), conn); err != nil {
				return shared.NewHookError("database is unreachable", err)
			}
			result.Database = cfg.Database.Driver
		}
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, result)
	}
	if !shared.GetQuiet() {
		fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("%s is valid", path)))
		for _, addr := range result.Listeners {
			fmt.Fprintln(out, shared.RenderOK("bound "+addr))
		}
		if result.Database != "" {
			fmt.Fprintln(out, shared.RenderOK("connected to "+result.Database+" database"))
		}
	}
	return nil
}

func pingDatabase(ctx context.Context, conn *database.Conn) error {
	if err := conn.Open(ctx); err != nil {
		return err
	}
	defer conn.Close()
	return conn.Ping(ctx)
}
