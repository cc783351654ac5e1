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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	preforklog "github.com/tombee/prefork/internal/log"
)

func waitForReload(t *testing.T, reloads <-chan Reload, match func(Reload) bool) Reload {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r, ok := <-reloads:
			require.True(t, ok, "reload channel closed")
			if match(r) {
				return r
			}
		case <-timeout:
			t.Fatal("timed out waiting for config reload")
		}
	}
}

func TestWatcher_Reloads(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "worker_processes: 2\n")

	current, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, current)
	require.NoError(t, err)
	w.WithDebounce(50 * time.Millisecond).WithLogger(preforklog.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer func() { _ = w.Stop() }()

	t.Run("changed content", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("worker_processes: 4\n"), 0o600))

		r := waitForReload(t, w.Reloads(), func(r Reload) bool { return r.Changed })
		require.NoError(t, r.Err)
		assert.Equal(t, 4, r.Config.WorkerProcesses)
	})

	t.Run("invalid content keeps previous config", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("worker_processes: -1\n"), 0o600))

		r := waitForReload(t, w.Reloads(), func(r Reload) bool { return r.Err != nil })
		assert.Nil(t, r.Config)
		assert.ErrorIs(t, r.Err, ErrInvalidConfig)
	})

	t.Run("identical content is not a change", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("worker_processes: 4\n"), 0o600))

		r := waitForReload(t, w.Reloads(), func(r Reload) bool { return r.Err == nil })
		assert.False(t, r.Changed)
		assert.Equal(t, 4, r.Config.WorkerProcesses)
	})
}

func TestWatcher_StopClosesChannel(t *testing.T) {
	path := writeConfig(t, "")

	w, err := NewWatcher(path, Default())
	require.NoError(t, err)
	w.WithLogger(preforklog.Discard())
	w.Start(context.Background())

	require.NoError(t, w.Stop())

	_, ok := <-w.Reloads()
	assert.False(t, ok)
}

func TestNewWatcher_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "prefork.yaml"), []byte("worker_processes: 2\n"), 0o600))

	w, err := NewWatcher("~/prefork.yaml", Default())
	require.NoError(t, err)
	w.WithLogger(preforklog.Discard())
	w.Start(context.Background())
	defer func() { _ = w.Stop() }()

	assert.Equal(t, filepath.Join(home, "prefork.yaml"), w.path)
}
