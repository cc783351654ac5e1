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
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle
// before reloading.
const DefaultDebounce = 100 * time.Millisecond

// Reload is the outcome of re-reading the configuration file.
type Reload struct {
	// Config is the newly loaded configuration, nil when Err is set.
	Config *Config

	// Err is the load or validation error, if any.
	Err error

	// Changed is false when the file parsed to a configuration equal to
	// the previous good one.
	Changed bool
}

// Watcher reloads a configuration file when it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors which save by renaming a temporary file are still observed.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	reloads  chan Reload
	logger   *slog.Logger
	debounce time.Duration
	current  *Config
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for path. current is the configuration
// already in effect and is used to decide whether a reload changed anything.
func NewWatcher(path string, current *Config) (*Watcher, error) {
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	return &Watcher{
		path:     absPath,
		watcher:  fsw,
		reloads:  make(chan Reload, 8),
		logger:   slog.Default().With(slog.String("component", "config-watcher"), slog.String("path", absPath)),
		debounce: DefaultDebounce,
		current:  current,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// WithDebounce overrides the settle interval.
func (w *Watcher) WithDebounce(d time.Duration) *Watcher {
	w.debounce = d
	return w
}

// WithLogger sets the logger used for watcher diagnostics.
func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	w.logger = logger.With(slog.String("component", "config-watcher"), slog.String("path", w.path))
	return w
}

// Reloads returns the channel of reload outcomes. It is closed when the
// watcher stops.
func (w *Watcher) Reloads() <-chan Reload {
	return w.reloads
}

// Start begins watching in a background goroutine.
func (w *Watcher) Start(ctx context.Context) {
	go w.eventLoop(ctx)
	w.logger.Info("config watcher started")
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() error {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)
	defer close(w.reloads)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("config watcher stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("config watcher stopped")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Warn("config watcher event channel closed")
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("config file event", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Warn("config watcher error channel closed")
				return
			}
			w.logger.Error("config watcher error", "error", err)
		case <-timerCh:
			timerCh = nil
			reload := w.reload()
			select {
			case w.reloads <- reload:
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}
	}
}

// relevant reports whether event concerns the watched file in a way that
// may have changed its content.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != w.path {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}

func (w *Watcher) reload() Reload {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous configuration", "error", err)
		return Reload{Err: err}
	}

	changed := !reflect.DeepEqual(cfg, w.current)
	w.current = cfg
	w.logger.Info("config reloaded", "changed", changed)

	return Reload{Config: cfg, Changed: changed}
}
