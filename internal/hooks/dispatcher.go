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
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/lifecycle"
	preforklog "github.com/tombee/prefork/internal/log"
	"github.com/tombee/prefork/internal/metrics"
	preforkerrors "github.com/tombee/prefork/pkg/errors"
)

const tracerName = "github.com/tombee/prefork/internal/hooks"

// metricsWriteTimeout bounds the wait for the metrics textfile lock.
const metricsWriteTimeout = 5 * time.Second

// Dispatcher runs the configured handler chain for each event.
type Dispatcher struct {
	chains      map[Event][]Handler
	logger      *slog.Logger
	events      *lifecycle.LifecycleLogger
	tracer      trace.Tracer
	metricsFile string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithLifecycleLogger records every handler outcome in the lifecycle log.
func WithLifecycleLogger(events *lifecycle.LifecycleLogger) Option {
	return func(d *Dispatcher) {
		d.events = events
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) {
		d.tracer = tp.Tracer(tracerName)
	}
}

// WithMetricsFile writes a Prometheus textfile after every dispatch.
func WithMetricsFile(path string) Option {
	return func(d *Dispatcher) {
		d.metricsFile = path
	}
}

// NewDispatcher resolves the handler names in hooks against registry.
func NewDispatcher(registry *Registry, hooks config.HooksConfig, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		chains: make(map[Event][]Handler),
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(d)
	}

	for event, names := range map[Event][]string{
		BeforeFork: hooks.BeforeFork,
		AfterFork:  hooks.AfterFork,
	} {
		chain := make([]Handler, 0, len(names))
		for _, name := range names {
			h, ok := registry.Get(name)
			if !ok {
				return nil, fmt.Errorf("%s: no handler registered as %q", event, name)
			}
			chain = append(chain, h)
		}
		d.chains[event] = chain
	}

	return d, nil
}

// Handlers returns the handler names that run for event, in order.
func (d *Dispatcher) Handlers(event Event) []string {
	names := make([]string, len(d.chains[event]))
	for i, h := range d.chains[event] {
		names[i] = h.Name()
	}
	return names
}

// Dispatch runs the handlers for event in order. It returns the first
// handler error as a *errors.HookError; later handlers do not run.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event, server Server, worker Worker) error {
	ctx, span := d.tracer.Start(ctx, "hooks.dispatch",
		trace.WithAttributes(
			attribute.String("hook.event", event.String()),
			attribute.Int("hook.worker_nr", worker.Nr),
			attribute.Int("server.pid", server.PID()),
		),
	)
	defer span.End()

	logger := preforklog.WithWorker(d.logger, event.String(), worker.Nr)
	defer d.writeMetrics(ctx, logger)

	chain, ok := d.chains[event]
	if !ok {
		err := fmt.Errorf("unknown hook event %q", event)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for _, h := range chain {
		if err := d.run(ctx, logger, h, event, server, worker); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, h Handler, event Event, server Server, worker Worker) error {
	ctx, span := d.tracer.Start(ctx, "hooks.handler",
		trace.WithAttributes(attribute.String("hook.handler", h.Name())),
	)
	defer span.End()

	logger = logger.With(slog.String(preforklog.HandlerKey, h.Name()))

	start := time.Now()
	err := h.Handle(ctx, event, server, worker)
	duration := time.Since(start)

	metrics.RecordHookInvocation(event.String(), h.Name(), metrics.ResultOf(err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("hook handler failed",
			slog.Int64(preforklog.DurationKey, duration.Milliseconds()),
			preforklog.Error(err),
		)
		d.record(logger, d.events.LogHookFailure(event.String(), h.Name(), worker.Nr, err))
		return &preforkerrors.HookError{
			Event:    event.String(),
			Handler:  h.Name(),
			WorkerNr: worker.Nr,
			Cause:    err,
		}
	}

	logger.Debug("hook handler completed", slog.Int64(preforklog.DurationKey, duration.Milliseconds()))
	d.record(logger, d.events.LogHookDispatch(event.String(), h.Name(), worker.Nr, duration))
	return nil
}

// record logs a lifecycle log write failure. The hook outcome never
// depends on the audit trail.
func (d *Dispatcher) record(logger *slog.Logger, err error) {
	if err != nil {
		logger.Warn("failed to write lifecycle event", preforklog.Error(err))
	}
}

func (d *Dispatcher) writeMetrics(ctx context.Context, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsWriteTimeout)
	defer cancel()
	if err := metrics.WriteTextfile(ctx, d.metricsFile); err != nil {
		logger.Warn("failed to export metrics", preforklog.Error(err))
	}
}
