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

package listener

import (
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/tombee/prefork/internal/config"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return strconv.Itoa(port)
}

func roundTrip(t *testing.T, ln net.Listener) {
	t.Helper()
	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		_, err = conn.Write([]byte("ok"))
		accepted <- err
	}()

	conn, err := net.Dial(ln.Addr().Network(), ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	buf, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
	require.NoError(t, <-accepted)
}

func TestOpen_Unix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "app.sock")

	ln, err := Open(config.ListenSpec{Address: "unix:" + path, Backlog: 64})
	require.NoError(t, err)

	info, err := os.Lstat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSocket)

	roundTrip(t, ln)

	require.NoError(t, ln.Close())
	_, err = os.Lstat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "socket file should be removed on close")
}

func TestOpen_StaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.sock")

	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	ln, err := Open(config.ListenSpec{Address: path, Backlog: 16})
	require.NoError(t, err)
	defer ln.Close()
	roundTrip(t, ln)
}

func TestOpen_LiveSocketIsLeftAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.sock")

	server, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer server.Close()

	_, err = Open(config.ListenSpec{Address: path, Backlog: 16})
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.EADDRINUSE)

	roundTrip(t, server)
}

func TestOpenAll_LiveSocketKeepsEarlierTargetsClosed(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "live.sock")

	server, err := net.Listen("unix", live)
	require.NoError(t, err)
	defer server.Close()

	_, err = OpenAll([]config.ListenSpec{
		{Address: filepath.Join(dir, "first.sock"), Backlog: 16},
		{Address: live, Backlog: 16},
	})
	require.ErrorIs(t, err, unix.EADDRINUSE)
	assert.Contains(t, err.Error(), "listen[1]")

	conn, err := net.Dial("unix", live)
	require.NoError(t, err, "running server must stay reachable")
	conn.Close()
}

func TestOpen_RefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	require.NoError(t, os.WriteFile(path, []byte("keep me"), 0o600))

	_, err := Open(config.ListenSpec{Address: path, Backlog: 16})
	require.ErrorIs(t, err, ErrNotSocket)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep me", string(data))
}

func TestOpen_TCP(t *testing.T) {
	addr := "127.0.0.1:" + freePort(t)

	ln, err := Open(config.ListenSpec{Address: addr, Backlog: 128})
	require.NoError(t, err)
	defer ln.Close()

	assert.Equal(t, addr, ln.Addr().String())
	roundTrip(t, ln)

	_, err = Open(config.ListenSpec{Address: addr, Backlog: 128})
	assert.Error(t, err, "second bind of a listening port must fail")
}

func TestOpen_TCPNoPush(t *testing.T) {
	ln, err := Open(config.ListenSpec{Address: "127.0.0.1:" + freePort(t), Backlog: 8, TCPNoPush: true})
	require.NoError(t, err)
	defer ln.Close()

	raw, err := ln.(*net.TCPListener).SyscallConn()
	require.NoError(t, err)

	var (
		enabled bool
		optErr  error
	)
	require.NoError(t, raw.Control(func(fd uintptr) {
		enabled, optErr = noPushEnabled(int(fd))
	}))
	require.NoError(t, optErr)
	assert.True(t, enabled)
}

func TestOpen_InvalidSpec(t *testing.T) {
	tests := []config.ListenSpec{
		{Address: "127.0.0.1:http"},
		{Address: ""},
		{Address: filepath.Join(t.TempDir(), "x.sock"), TCPNoPush: true},
	}
	for _, spec := range tests {
		_, err := Open(spec)
		assert.Error(t, err, "Open(%+v)", spec)
	}
}

func TestOpenAll(t *testing.T) {
	dir := t.TempDir()

	t.Run("opens every target", func(t *testing.T) {
		lns, err := OpenAll([]config.ListenSpec{
			{Address: filepath.Join(dir, "a.sock"), Backlog: 16},
			{Address: "127.0.0.1:" + freePort(t), Backlog: 16},
		})
		require.NoError(t, err)
		require.Len(t, lns, 2)
		assert.NoError(t, CloseAll(lns))
	})

	t.Run("closes opened listeners on failure", func(t *testing.T) {
		blocker := filepath.Join(dir, "blocker")
		require.NoError(t, os.WriteFile(blocker, nil, 0o600))
		first := filepath.Join(dir, "first.sock")

		_, err := OpenAll([]config.ListenSpec{
			{Address: first, Backlog: 16},
			{Address: blocker, Backlog: 16},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "listen[1]")

		_, statErr := os.Lstat(first)
		assert.True(t, errors.Is(statErr, os.ErrNotExist), "first listener should be closed and unlinked")
	})
}
