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
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/database"
	"github.com/tombee/prefork/internal/lifecycle"
	preforklog "github.com/tombee/prefork/internal/log"
	preforkerrors "github.com/tombee/prefork/pkg/errors"
)

type recordingHandler struct {
	name  string
	err   error
	trace *[]string
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(ctx context.Context, event Event, server Server, worker Worker) error {
	*h.trace = append(*h.trace, h.name)
	return h.err
}

func newTracedDispatcher(t *testing.T, registry *Registry, hooks config.HooksConfig, opts ...Option) (*Dispatcher, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	opts = append([]Option{WithTracerProvider(tp), WithLogger(preforklog.Discard())}, opts...)
	d, err := NewDispatcher(registry, hooks, opts...)
	require.NoError(t, err)
	return d, exporter
}

func TestDispatcher_RunsHandlersInOrder(t *testing.T) {
	var calls []string
	registry := NewRegistry(
		&recordingHandler{name: "first", trace: &calls},
		&recordingHandler{name: "second", trace: &calls},
		&recordingHandler{name: "third", trace: &calls},
	)
	d, exporter := newTracedDispatcher(t, registry, config.HooksConfig{
		BeforeFork: []string{"second", "first"},
		AfterFork:  []string{"third"},
	})

	assert.Equal(t, []string{"second", "first"}, d.Handlers(BeforeFork))
	assert.Equal(t, []string{"third"}, d.Handlers(AfterFork))

	require.NoError(t, d.Dispatch(context.Background(), BeforeFork, testServer{pid: 1, workers: 2}, Worker{Nr: 0}))
	assert.Equal(t, []string{"second", "first"}, calls)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)
	// Child spans end before their parent.
	assert.Equal(t, "hooks.handler", spans[0].Name)
	assert.Equal(t, "hooks.dispatch", spans[2].Name)
	assert.Equal(t, codes.Ok, spans[2].Status.Code)
	assert.Equal(t, spans[2].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestDispatcher_StopsAtFirstError(t *testing.T) {
	var calls []string
	boom := errors.New("connection refused")
	registry := NewRegistry(
		&recordingHandler{name: "ok", trace: &calls},
		&recordingHandler{name: "failing", err: boom, trace: &calls},
		&recordingHandler{name: "never", trace: &calls},
	)
	logPath := filepath.Join(t.TempDir(), "lifecycle.log")
	d, exporter := newTracedDispatcher(t, registry,
		config.HooksConfig{AfterFork: []string{"ok", "failing", "never"}},
		WithLifecycleLogger(lifecycle.NewLifecycleLogger(logPath)),
	)

	err := d.Dispatch(context.Background(), AfterFork, testServer{pid: 1, workers: 1}, Worker{Nr: 3})
	require.Error(t, err)
	assert.Equal(t, []string{"ok", "failing"}, calls)

	var hookErr *preforkerrors.HookError
	require.True(t, errors.As(err, &hookErr))
	assert.Equal(t, "after_fork", hookErr.Event)
	assert.Equal(t, "failing", hookErr.Handler)
	assert.Equal(t, 3, hookErr.WorkerNr)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t,
		[]string{lifecycle.EventHookDispatch, lifecycle.EventHookFailure},
		lifecycleEventNames(t, logPath))

	spans := exporter.GetSpans()
	require.NotEmpty(t, spans)
	root := spans[len(spans)-1]
	assert.Equal(t, "hooks.dispatch", root.Name)
	assert.Equal(t, codes.Error, root.Status.Code)
}

func TestDispatcher_EmptyChain(t *testing.T) {
	d, _ := newTracedDispatcher(t, NewRegistry(), config.HooksConfig{})
	assert.NoError(t, d.Dispatch(context.Background(), AfterFork, testServer{}, Worker{}))
	assert.Error(t, d.Dispatch(context.Background(), Event("during_fork"), testServer{}, Worker{}))
}

func TestNewDispatcher_UnknownHandler(t *testing.T) {
	_, err := NewDispatcher(NewRegistry(), config.HooksConfig{BeforeFork: []string{"reload_app"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no handler registered as "reload_app"`)
}

func TestDispatcher_WritesMetricsFile(t *testing.T) {
	var calls []string
	path := filepath.Join(t.TempDir(), "prefork.prom")
	d, _ := newTracedDispatcher(t,
		NewRegistry(&recordingHandler{name: "signal_old_master", trace: &calls}),
		config.HooksConfig{BeforeFork: []string{"signal_old_master"}},
		WithMetricsFile(path),
	)

	require.NoError(t, d.Dispatch(context.Background(), BeforeFork, testServer{workers: 1}, Worker{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data),
		`prefork_hook_invocations_total{event="before_fork",handler="signal_old_master",result="success"}`))
}

func TestBuiltinRegistry_DefaultHooks(t *testing.T) {
	cfg := config.Default()
	cfg.PID = filepath.Join(t.TempDir(), "unicorn.pid")
	cfg.WorkerProcesses = 2
	cfg.Database = config.DatabaseConfig{Enabled: true, Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")}

	conn := DatabaseFromConfig(cfg)
	require.NotNil(t, conn)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	registry := BuiltinRegistry(cfg, Deps{DB: conn, Logger: preforklog.Discard()})
	assert.Equal(t, []string{
		config.HandlerDisconnectDatabase,
		config.HandlerReconnectDatabase,
		config.HandlerSignalOldMaster,
		config.HandlerThrottleFork,
	}, registry.Names())

	d, _ := newTracedDispatcher(t, registry, cfg.Hooks)
	server := NewStaticServer(cfg, os.Getpid(), "")

	// No oldbin file: before_fork only drops the connection.
	require.NoError(t, d.Dispatch(context.Background(), BeforeFork, server, Worker{Nr: 0}))
	assert.False(t, conn.Connected())

	require.NoError(t, d.Dispatch(context.Background(), AfterFork, server, Worker{Nr: 0}))
	assert.True(t, conn.Connected())
	assert.NoError(t, conn.Ping(context.Background()))
}

func TestDatabaseHandlers_Disabled(t *testing.T) {
	assert.Nil(t, DatabaseFromConfig(config.Default()))

	ctx := context.Background()
	assert.NoError(t, NewDisconnectHandler(nil, nil).Handle(ctx, BeforeFork, testServer{}, Worker{}))
	assert.NoError(t, NewReconnectHandler(nil, nil).Handle(ctx, AfterFork, testServer{}, Worker{}))
}

func TestReconnectHandler_Error(t *testing.T) {
	conn := database.New(database.Config{DSN: filepath.Join(t.TempDir(), "no", "such", "dir.db")})
	err := NewReconnectHandler(conn, preforklog.Discard()).Handle(context.Background(), AfterFork, testServer{}, Worker{})
	assert.Error(t, err)
	assert.False(t, conn.Connected())
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	first := &recordingHandler{name: "signal_old_master"}
	second := &recordingHandler{name: "signal_old_master"}

	r := NewRegistry(first)
	r.Register(second)

	got, ok := r.Get("signal_old_master")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, []string{"signal_old_master"}, r.Names())
}

func TestThrottleHandler(t *testing.T) {
	newThrottle := func(t *testing.T, interval time.Duration, path string) *ThrottleHandler {
		t.Helper()
		if path == "" {
			path = filepath.Join(t.TempDir(), "unicorn.pid.fork")
		}
		return NewThrottleHandler(interval, path, preforklog.Discard())
	}

	t.Run("disabled", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "unicorn.pid.fork")
		h := newThrottle(t, 0, path)
		for i := 0; i < 3; i++ {
			require.NoError(t, h.Handle(context.Background(), BeforeFork, testServer{}, Worker{Nr: i}))
		}
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "disabled throttle should not touch the stamp file")
	})

	t.Run("first fork is not delayed", func(t *testing.T) {
		h := newThrottle(t, time.Hour, "")
		start := time.Now()
		require.NoError(t, h.Handle(context.Background(), BeforeFork, testServer{}, Worker{Nr: 0}))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("separate instances share the schedule", func(t *testing.T) {
		// Each hook invocation builds its own handler, as a new process would.
		path := filepath.Join(t.TempDir(), "unicorn.pid.fork")

		start := time.Now()
		for i := 0; i < 3; i++ {
			h := newThrottle(t, 80*time.Millisecond, path)
			require.NoError(t, h.Handle(context.Background(), BeforeFork, testServer{}, Worker{Nr: i}))
		}
		assert.GreaterOrEqual(t, time.Since(start), 160*time.Millisecond)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), parseStamp(data), time.Second)
	})

	t.Run("concurrent instances are serialized", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "unicorn.pid.fork")
		interval := 60 * time.Millisecond

		var (
			mu    sync.Mutex
			times []time.Time
			wg    sync.WaitGroup
		)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(nr int) {
				defer wg.Done()
				h := newThrottle(t, interval, path)
				if err := h.Handle(context.Background(), BeforeFork, testServer{}, Worker{Nr: nr}); err != nil {
					t.Errorf("Handle() error = %v", err)
					return
				}
				mu.Lock()
				times = append(times, time.Now())
				mu.Unlock()
			}(i)
		}
		wg.Wait()

		require.Len(t, times, 3)
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 1; i < len(times); i++ {
			assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), interval-10*time.Millisecond)
		}
	})

	t.Run("stale stamp does not delay", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "unicorn.pid.fork")
		old := time.Now().Add(-time.Hour).UnixNano()
		require.NoError(t, os.WriteFile(path, []byte(strconv.FormatInt(old, 10)), 0o600))

		start := time.Now()
		require.NoError(t, newThrottle(t, time.Minute, path).Handle(context.Background(), BeforeFork, testServer{}, Worker{}))
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("garbage stamp is ignored", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "unicorn.pid.fork")
		require.NoError(t, os.WriteFile(path, []byte("not a time\n"), 0o600))

		require.NoError(t, newThrottle(t, time.Minute, path).Handle(context.Background(), BeforeFork, testServer{}, Worker{}))
	})

	t.Run("honors deadline", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "unicorn.pid.fork")
		require.NoError(t, newThrottle(t, time.Hour, path).Handle(context.Background(), BeforeFork, testServer{}, Worker{Nr: 0}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := newThrottle(t, time.Hour, path).Handle(ctx, BeforeFork, testServer{}, Worker{Nr: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "waiting for fork slot")
	})
}
