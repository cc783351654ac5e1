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

package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Lifecycle event names.
const (
	EventHookDispatch      = "hook_dispatch"
	EventHookFailure       = "hook_failure"
	EventOldMasterSignaled = "old_master_signaled"
	EventOldMasterAbsent   = "old_master_absent"
	EventOldMasterGone     = "old_master_gone"
	EventConfigReloaded    = "config_reloaded"
)

// LifecycleEvent is one line of the lifecycle log.
type LifecycleEvent struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	PID       int       `json:"pid,omitempty"`
	WorkerNr  *int      `json:"worker_nr,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Handler   string    `json:"handler,omitempty"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// LifecycleLogger appends JSON lifecycle events to a file. A nil logger
// and a logger with an empty path discard every event.
type LifecycleLogger struct {
	logPath string
	mu      sync.Mutex
}

// NewLifecycleLogger creates a new lifecycle logger.
func NewLifecycleLogger(logPath string) *LifecycleLogger {
	return &LifecycleLogger{
		logPath: logPath,
	}
}

// LogHookDispatch records a completed dispatch of event to handler.
func (l *LifecycleLogger) LogHookDispatch(event, handler string, workerNr int, duration time.Duration) error {
	return l.writeEvent(LifecycleEvent{
		Event:    EventHookDispatch,
		Handler:  handler,
		WorkerNr: &workerNr,
		PID:      os.Getpid(),
		Success:  true,
		Message:  fmt.Sprintf("%s handler completed in %v", event, duration),
	})
}

// LogHookFailure records a handler that returned an error.
func (l *LifecycleLogger) LogHookFailure(event, handler string, workerNr int, err error) error {
	return l.writeEvent(LifecycleEvent{
		Event:    EventHookFailure,
		Handler:  handler,
		WorkerNr: &workerNr,
		PID:      os.Getpid(),
		Success:  false,
		Message:  fmt.Sprintf("%s handler failed", event),
		Error:    err.Error(),
	})
}

// LogOldMasterSignaled records a signal delivered to the previous master.
func (l *LifecycleLogger) LogOldMasterSignaled(pid int, sig syscall.Signal, workerNr int) error {
	return l.writeEvent(LifecycleEvent{
		Event:    EventOldMasterSignaled,
		PID:      pid,
		Signal:   unix.SignalName(sig),
		WorkerNr: &workerNr,
		Success:  true,
		Message:  fmt.Sprintf("sent %s to old master", unix.SignalName(sig)),
	})
}

// LogOldMasterAbsent records that no oldbin PID file was found.
func (l *LifecycleLogger) LogOldMasterAbsent(path string, workerNr int) error {
	return l.writeEvent(LifecycleEvent{
		Event:    EventOldMasterAbsent,
		WorkerNr: &workerNr,
		Success:  true,
		Message:  fmt.Sprintf("no old master PID file at %s", path),
	})
}

// LogOldMasterGone records that the oldbin PID named a process that has exited.
func (l *LifecycleLogger) LogOldMasterGone(pid int, workerNr int) error {
	return l.writeEvent(LifecycleEvent{
		Event:    EventOldMasterGone,
		PID:      pid,
		WorkerNr: &workerNr,
		Success:  true,
		Message:  "old master already exited",
	})
}

// LogConfigReloaded records the outcome of a configuration reload.
func (l *LifecycleLogger) LogConfigReloaded(path string, changed bool, err error) error {
	event := LifecycleEvent{
		Event:   EventConfigReloaded,
		Success: err == nil,
		Message: fmt.Sprintf("reloaded %s (changed: %t)", path, changed),
	}
	if err != nil {
		event.Message = fmt.Sprintf("reload of %s failed", path)
		event.Error = err.Error()
	}
	return l.writeEvent(event)
}

// writeEvent appends a lifecycle event to the log file.
func (l *LifecycleLogger) writeEvent(event LifecycleEvent) error {
	if l == nil || l.logPath == "" {
		return nil
	}

	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.logPath), 0o700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lifecycle log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}
