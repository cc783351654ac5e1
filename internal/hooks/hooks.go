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

// Package hooks dispatches fork lifecycle events to named handlers.
//
// The application server calls Dispatch with BeforeFork in the master
// immediately before forking worker N, and with AfterFork in the new worker
// immediately after. Each event runs the handlers listed for it in the
// configuration, in order, and stops at the first failure.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"syscall"
)

// Event identifies a fork lifecycle point.
type Event string

const (
	// BeforeFork runs in the master before each worker is forked.
	BeforeFork Event = "before_fork"

	// AfterFork runs in each worker right after it is forked.
	AfterFork Event = "after_fork"
)

// String returns the configuration key of the event.
func (e Event) String() string {
	return string(e)
}

// ParseEvent maps a configuration key or CLI spelling to an Event.
func ParseEvent(s string) (Event, error) {
	switch s {
	case "before_fork", "before-fork":
		return BeforeFork, nil
	case "after_fork", "after-fork":
		return AfterFork, nil
	default:
		return "", fmt.Errorf("unknown hook event %q", s)
	}
}

// Server is the master process as seen by a hook.
type Server interface {
	// PID is the master's process ID.
	PID() int

	// PIDFile is the PID file the master currently owns. During an upgrade
	// the outgoing master owns "<pid>.oldbin".
	PIDFile() string

	// ConfiguredPIDFile is the PID file named in the configuration.
	ConfiguredPIDFile() string

	// WorkerProcesses is the configured worker count.
	WorkerProcesses() int
}

// Worker identifies the worker being forked.
type Worker struct {
	// Nr is the zero-based worker index.
	Nr int
}

// Handler reacts to a fork lifecycle event.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event Event, server Server, worker Worker) error
}

// Registry maps handler names to handlers.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns a registry holding handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds h, replacing any handler of the same name.
func (r *Registry) Register(h Handler) {
	r.handlers[h.Name()] = h
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OldMasterSignal picks the signal sent to a previous master before forking
// worker nr. Each new worker retires one old worker with SIGTTOU; once the
// last worker is about to be forked the old master is told to quit.
func OldMasterSignal(nr, workers int) syscall.Signal {
	if nr+1 >= workers {
		return syscall.SIGQUIT
	}
	return syscall.SIGTTOU
}
