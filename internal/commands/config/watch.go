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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tombee/prefork/internal/commands/shared"
	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/lifecycle"
	preforklog "github.com/tombee/prefork/internal/log"
	"github.com/tombee/prefork/internal/metrics"
)

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Report configuration reloads",
		Long: `Watch the configuration file and reload it on every change until
interrupted. Each reload is validated, counted in the metrics and recorded
in the lifecycle log; invalid edits are reported and the previous
configuration is kept.`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, path, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	logger, closer, err := shared.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	w, err := config.NewWatcher(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	w.WithLogger(logger)

	ctx := cmd.Context()
	w.Start(ctx)
	defer w.Stop()

	events := lifecycle.NewLifecycleLogger(cfg.LifecycleLog)
	metricsFile := cfg.MetricsFile
	out := cmd.OutOrStdout()

	for reload := range w.Reloads() {
		metrics.RecordConfigReload(metrics.ResultOf(reload.Err))
		if err := events.LogConfigReloaded(path, reload.Changed, reload.Err); err != nil {
			logger.Warn("failed to write lifecycle event", preforklog.Error(err))
		}

		switch {
		case reload.Err != nil:
			fmt.Fprintln(out, shared.RenderError(reload.Err.Error()))
		case reload.Changed:
			fmt.Fprintln(out, shared.RenderOK("configuration reloaded"))
			// Later reloads follow the new destinations.
			events = lifecycle.NewLifecycleLogger(reload.Config.LifecycleLog)
			metricsFile = reload.Config.MetricsFile
		default:
			fmt.Fprintln(out, shared.RenderWarn("file changed, configuration unchanged"))
		}

		if err := metrics.WriteTextfile(ctx, metricsFile); err != nil {
			logger.Warn("failed to export metrics", slog.String("path", metricsFile), preforklog.Error(err))
		}
	}

	return nil
}
