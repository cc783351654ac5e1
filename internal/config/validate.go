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
	"os"
	"path/filepath"
	"sort"
	"strings"

	preforkerrors "github.com/tombee/prefork/pkg/errors"
)

// handlerEvents lists the lifecycle events each built-in handler may be bound to.
var handlerEvents = map[string]map[string]bool{
	HandlerSignalOldMaster:    {"before_fork": true},
	HandlerDisconnectDatabase: {"before_fork": true},
	HandlerThrottleFork:       {"before_fork": true},
	HandlerReconnectDatabase:  {"after_fork": true},
}

// Handlers maps each built-in handler name to the events it may be bound to.
func Handlers() map[string][]string {
	out := make(map[string][]string, len(handlerEvents))
	for name, events := range handlerEvents {
		for event := range events {
			out[name] = append(out[name], event)
		}
		sort.Strings(out[name])
	}
	return out
}

var supportedDrivers = map[string]bool{"sqlite": true}

// Validate checks that the configuration is valid. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	problems := c.Problems()
	if len(problems) == 0 {
		return nil
	}

	msgs := make([]string, len(problems))
	for i, p := range problems {
		msgs[i] = p.Error()
	}
	return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(msgs, "\n  - "))
}

// Problems returns every validation failure in the configuration.
func (c *Config) Problems() []*preforkerrors.ValidationError {
	var errs []*preforkerrors.ValidationError
	add := func(field, hint, format string, args ...any) {
		errs = append(errs, &preforkerrors.ValidationError{
			Field:   field,
			Message: fmt.Sprintf(format, args...),
			Hint:    hint,
		})
	}

	if c.WorkerProcesses < 1 {
		add("worker_processes", "", "must be a positive integer, got %d", c.WorkerProcesses)
	}
	if c.Timeout < 1 {
		add("timeout", "", "must be a positive number of seconds, got %d", c.Timeout)
	}
	if c.WorkingDirectory != "" && !filepath.IsAbs(c.WorkingDirectory) {
		add("working_directory", "", "must be an absolute path, got %q", c.WorkingDirectory)
	}

	for _, stream := range []struct{ field, value string }{
		{"stderr_path", c.StderrPath},
		{"stdout_path", c.StdoutPath},
	} {
		switch {
		case stream.value == "stderr", stream.value == "stdout":
		case filepath.IsAbs(stream.value):
		default:
			add(stream.field, "", "must be \"stderr\", \"stdout\" or an absolute path, got %q", stream.value)
		}
	}

	c.validateListen(add)
	c.validateHooks(add)
	c.validateTracing(add)

	if c.Database.Enabled {
		if !supportedDrivers[c.Database.Driver] {
			add("database.driver", "", "unsupported driver %q (supported: sqlite)", c.Database.Driver)
		}
		if c.Database.DSN == "" {
			add("database.dsn", "Set database.dsn or PREFORK_DATABASE_DSN", "is required when database.enabled is true")
		}
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		add("log.level", "", "must be one of [trace, debug, info, warn, error], got %q", c.Log.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		add("log.format", "", "must be one of [json, text], got %q", c.Log.Format)
	}

	return errs
}

func (c *Config) validateListen(add func(field, hint, format string, args ...any)) {
	if len(c.Listen) == 0 {
		add("listen", "", "at least one listen address is required")
		return
	}

	seen := make(map[string]int)
	for i, spec := range c.Listen {
		field := fmt.Sprintf("listen[%d]", i)

		addr, err := spec.Parse()
		if err != nil {
			add(field+".address", "Use a socket path, a port, or host:port", "%v", err)
			continue
		}

		if prev, dup := seen[addr.Addr]; dup {
			add(field+".address", "", "duplicate of listen[%d] (%s)", prev, addr.Addr)
		} else {
			seen[addr.Addr] = i
		}

		if spec.Backlog < 1 || spec.Backlog > MaxBacklog {
			add(field+".backlog", "", "must be between 1 and %d, got %d", MaxBacklog, spec.Backlog)
		}
		if spec.TCPNoPush && addr.IsUnix() {
			add(field+".tcp_nopush", "", "only applies to TCP listeners, %s is a unix socket", addr.Addr)
		}
	}
}

func (c *Config) validateHooks(add func(field, hint, format string, args ...any)) {
	check := func(event string, names []string) {
		seen := make(map[string]bool)
		for i, name := range names {
			field := fmt.Sprintf("hooks.%s[%d]", event, i)
			events, known := handlerEvents[name]
			switch {
			case !known:
				add(field, "", "unknown handler %q", name)
			case !events[event]:
				add(field, "", "handler %q cannot run on %s", name, event)
			case seen[name]:
				add(field, "", "handler %q listed twice", name)
			}
			seen[name] = true
		}
	}

	check("before_fork", c.Hooks.BeforeFork)
	check("after_fork", c.Hooks.AfterFork)

	if c.Hooks.ForkThrottle < 0 {
		add("hooks.fork_throttle", "", "must not be negative, got %v", c.Hooks.ForkThrottle)
	}
	if f := c.Hooks.ForkThrottleFile; f != "" && !filepath.IsAbs(os.ExpandEnv(f)) {
		add("hooks.fork_throttle_file", "", "must be an absolute path, got %q", f)
	}
}

func (c *Config) validateTracing(add func(field, hint, format string, args ...any)) {
	t := c.Tracing
	switch t.Exporter {
	case ExporterNone, ExporterConsole:
	case ExporterOTLP, ExporterOTLPHTTP:
		if t.Endpoint == "" {
			add("tracing.endpoint", "Set tracing.endpoint or PREFORK_TRACING_ENDPOINT", "is required for the %s exporter", t.Exporter)
		}
	default:
		add("tracing.exporter", "", "must be one of [console, otlp, otlp-http], got %q", t.Exporter)
	}
	if rate := t.Rate(); rate < 0 || rate > 1 {
		add("tracing.sample_rate", "", "must be between 0.0 and 1.0, got %v", rate)
	}
}
