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

package errors

import (
	"fmt"
)

// ValidationError represents a single configuration value that failed validation.
type ValidationError struct {
	// Field is the dotted config path (e.g. "listen[1].backlog").
	Field string

	// Message is the human-readable error description
	Message string

	// Hint provides actionable guidance for fixing the error
	Hint string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// Suggestion implements Suggester.
func (e *ValidationError) Suggestion() string { return e.Hint }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "config_file", "validation")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Suggestion implements Suggester.
func (e *ConfigError) Suggestion() string {
	if e.Key == "config_file" {
		return "Pass --config or set PREFORK_CONFIG to the path of a readable YAML file"
	}
	return "Run 'prefork config check' to list every invalid setting"
}

// HookError reports a lifecycle handler that failed during dispatch.
type HookError struct {
	// Event is the lifecycle event being dispatched (before_fork, after_fork).
	Event string

	// Handler is the name of the failing handler.
	Handler string

	// WorkerNr is the worker the event was dispatched for.
	WorkerNr int

	// Cause is the error returned by the handler.
	Cause error
}

// Error implements the error interface.
func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook %q failed for worker %d: %v", e.Event, e.Handler, e.WorkerNr, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *HookError) Unwrap() error {
	return e.Cause
}

// Suggestion implements Suggester for the built-in handlers.
func (e *HookError) Suggestion() string {
	switch e.Handler {
	case "signal_old_master":
		return "Check that the .oldbin PID file next to the configured pid holds the previous master's PID"
	case "reconnect_database":
		return "Run 'prefork config check --connect' to test database.dsn"
	case "throttle_fork":
		return "Check that hooks.fork_throttle_file is writable, or lower hooks.fork_throttle"
	}
	return ""
}
