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

// Package hook implements the commands an application server runs around
// each worker fork.
package hook

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/commands/completion"
	"github.com/tombee/prefork/internal/commands/shared"
	"github.com/tombee/prefork/internal/hooks"
	"github.com/tombee/prefork/internal/lifecycle"
	preforklog "github.com/tombee/prefork/internal/log"
	"github.com/tombee/prefork/internal/tracing"
)

// shutdownTimeout bounds the final span flush.
const shutdownTimeout = 5 * time.Second

type options struct {
	worker        int
	serverPID     int
	serverPIDFile string
}

// NewCommand creates the hook command with one subcommand per event
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "Run fork lifecycle hooks",
		Long: `Run the handlers configured for a fork lifecycle event.

An application server that cannot load hooks in-process calls these
commands instead:

  before_fork: prefork hook before-fork --worker N --server-pid $MASTER_PID
  after_fork:  prefork hook after-fork --worker N

Each call is a separate process. throttle_fork keeps the time of the last
fork in hooks.fork_throttle_file so consecutive calls stay spaced out.
The hook process holds no connection of the server's, so disconnect_database
has nothing to close and reconnect_database checks that the worker can reach
the database.

The exit status is non-zero when a handler fails.`,
	}

	cmd.AddCommand(newEventCommand(hooks.BeforeFork, "Run before forking a worker (in the master)"))
	cmd.AddCommand(newEventCommand(hooks.AfterFork, "Run after forking a worker (in the worker)"))

	return cmd
}

func newEventCommand(event hooks.Event, short string) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   strings.ReplaceAll(event.String(), "_", "-"),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, event, opts)
		},
	}

	cmd.Flags().IntVar(&opts.worker, "worker", 0, "Zero-based number of the worker being forked")
	cmd.Flags().IntVar(&opts.serverPID, "server-pid", 0, "PID of the master (default: parent process)")
	cmd.Flags().StringVar(&opts.serverPIDFile, "server-pid-file", "", "PID file the master currently owns (default: configured pid)")
	_ = cmd.MarkFlagRequired("worker")
	_ = cmd.RegisterFlagCompletionFunc("worker", completion.CompleteWorker)
	_ = cmd.RegisterFlagCompletionFunc("server-pid-file", completion.CompletePIDFile)

	return cmd
}

func run(cmd *cobra.Command, event hooks.Event, opts *options) error {
	if opts.worker < 0 {
		return fmt.Errorf("--worker must not be negative, got %d", opts.worker)
	}

	cfg, _, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := shared.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()
	logger = preforklog.WithComponent(logger, "hooks")

	serverPID := opts.serverPID
	if serverPID == 0 {
		serverPID = os.Getppid()
	}

	db := hooks.DatabaseFromConfig(cfg)
	if db != nil {
		defer db.Close()
	}

	version, _, _ := shared.GetVersion()
	provider, err := tracing.NewProvider(cmd.Context(), cfg.Tracing, version, cmd.ErrOrStderr())
	if err != nil {
		return shared.NewConfigError("invalid tracing configuration", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("failed to flush traces", preforklog.Error(err))
		}
	}()

	events := lifecycle.NewLifecycleLogger(cfg.LifecycleLog)
	registry := hooks.BuiltinRegistry(cfg, hooks.Deps{DB: db, Events: events, Logger: logger})

	dispatcher, err := hooks.NewDispatcher(registry, cfg.Hooks,
		hooks.WithLogger(logger),
		hooks.WithLifecycleLogger(events),
		hooks.WithMetricsFile(cfg.MetricsFile),
		hooks.WithTracerProvider(provider.TracerProvider()),
	)
	if err != nil {
		return shared.NewConfigError("invalid hook configuration", err)
	}

	server := hooks.NewStaticServer(cfg, serverPID, opts.serverPIDFile)
	if err := dispatcher.Dispatch(cmd.Context(), event, server, hooks.Worker{Nr: opts.worker}); err != nil {
		return shared.NewHookError(fmt.Sprintf("%s failed", event), err)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			Event    string   `json:"event"`
			Worker   int      `json:"worker"`
			Handlers []string `json:"handlers"`
		}{
			JSONResponse: shared.NewJSONResponse("hook "+cmd.Name(), true),
			Event:        event.String(),
			Worker:       opts.worker,
			Handlers:     dispatcher.Handlers(event),
		})
	}
	return nil
}
