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

package hooks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/lifecycle"
	preforklog "github.com/tombee/prefork/internal/log"
	"github.com/tombee/prefork/internal/metrics"
)

// SignalFunc delivers a signal to a process.
type SignalFunc func(pid int, sig syscall.Signal) error

// OldMasterHandler retires a previous master during a zero-downtime
// upgrade. Before each fork it signals the process named in the oldbin PID
// file: SIGTTOU to shed one old worker, or SIGQUIT before the last new
// worker so the old master shuts down.
type OldMasterHandler struct {
	signal SignalFunc
	events *lifecycle.LifecycleLogger
	logger *slog.Logger
}

// NewOldMasterHandler returns a handler that delivers signals with
// lifecycle.SendSignal.
func NewOldMasterHandler(events *lifecycle.LifecycleLogger, logger *slog.Logger) *OldMasterHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OldMasterHandler{
		signal: lifecycle.SendSignal,
		events: events,
		logger: preforklog.WithComponent(logger, "old-master"),
	}
}

// WithSignalFunc replaces the signal delivery function.
func (h *OldMasterHandler) WithSignalFunc(fn SignalFunc) *OldMasterHandler {
	h.signal = fn
	return h
}

func (h *OldMasterHandler) Name() string {
	return config.HandlerSignalOldMaster
}

// Handle signals the old master if there is one. A missing oldbin file and
// a process that has already exited are normal outcomes and return nil.
func (h *OldMasterHandler) Handle(ctx context.Context, event Event, server Server, worker Worker) error {
	if event != BeforeFork {
		return fmt.Errorf("%s only runs on %s", h.Name(), BeforeFork)
	}

	logger := h.logger.With(slog.Int(preforklog.WorkerKey, worker.Nr))

	configured := server.ConfiguredPIDFile()
	if configured == "" {
		logger.Debug("no PID file configured, skipping old master check")
		h.absent("", worker)
		return nil
	}

	oldPIDFile := configured + config.OldBinSuffix
	if oldPIDFile == server.PIDFile() {
		// This master is the one being replaced.
		logger.Debug("server owns the oldbin PID file, not signalling itself", "pid_file", oldPIDFile)
		metrics.RecordOldMasterSkipped(metrics.SkipSelf)
		return nil
	}

	old := lifecycle.NewPIDFileManager(oldPIDFile)
	pid, err := old.Read()
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("no old master", "reason", metrics.SkipAbsent, "pid_file", old.Path())
		h.absent(old.Path(), worker)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading old master PID: %w", err)
	}

	if logger.Enabled(ctx, slog.LevelDebug) {
		info := lifecycle.GetProcessInfo(pid)
		logger.Debug("found old master",
			slog.Int(preforklog.PIDKey, info.PID),
			slog.Bool("running", info.Running),
			slog.String("command", info.Command),
		)
	}

	sig := OldMasterSignal(worker.Nr, server.WorkerProcesses())
	sigName := unix.SignalName(sig)

	if err := h.signal(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			logger.Debug("old master already exited", "reason", metrics.SkipGone, slog.Int(preforklog.PIDKey, pid))
			metrics.RecordOldMasterSkipped(metrics.SkipGone)
			h.record(logger, h.events.LogOldMasterGone(pid, worker.Nr))
			return nil
		}
		return fmt.Errorf("signalling old master %d: %w", pid, err)
	}

	logger.Info("signalled old master",
		slog.Int(preforklog.PIDKey, pid),
		slog.String(preforklog.SignalKey, sigName),
		slog.Int("worker_processes", server.WorkerProcesses()),
	)
	metrics.RecordOldMasterSignal(sigName)
	h.record(logger, h.events.LogOldMasterSignaled(pid, sig, worker.Nr))
	return nil
}

func (h *OldMasterHandler) absent(path string, worker Worker) {
	metrics.RecordOldMasterSkipped(metrics.SkipAbsent)
	h.record(h.logger, h.events.LogOldMasterAbsent(path, worker.Nr))
}

func (h *OldMasterHandler) record(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("failed to write lifecycle event", preforklog.Error(err))
	}
}
