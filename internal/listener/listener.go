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

// Package listener binds the configured listen targets.
//
// Sockets are created with socket(2), bind(2) and listen(2) directly so the
// configured backlog and no-push option reach the kernel, then handed to the
// net package with net.FileListener.
package listener

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tombee/prefork/internal/config"
	preforkerrors "github.com/tombee/prefork/pkg/errors"
)

// ErrNotSocket is returned when a unix listen path exists and is not a socket.
var ErrNotSocket = errors.New("path exists and is not a socket")

// staleProbeTimeout bounds the connect used to tell a live socket from a
// stale one.
const staleProbeTimeout = time.Second

// Open binds spec and starts listening.
func Open(spec config.ListenSpec) (net.Listener, error) {
	addr, err := spec.Parse()
	if err != nil {
		return nil, err
	}

	backlog := spec.Backlog
	if backlog <= 0 {
		backlog = config.DefaultBacklog
	}

	if addr.IsUnix() {
		if spec.TCPNoPush {
			return nil, fmt.Errorf("%s: tcp_nopush is not supported on unix sockets", addr)
		}
		return openUnix(addr.Addr, backlog)
	}
	return openTCP(addr.Addr, backlog, spec.TCPNoPush)
}

// OpenAll opens every spec in order. On failure the listeners already
// opened are closed.
func OpenAll(specs []config.ListenSpec) ([]net.Listener, error) {
	listeners := make([]net.Listener, 0, len(specs))
	for i, spec := range specs {
		ln, err := Open(spec)
		if err != nil {
			_ = CloseAll(listeners)
			return nil, preforkerrors.Wrapf(err, "listen[%d] %s", i, spec.Address)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// CloseAll closes every listener and joins the errors.
func CloseAll(listeners []net.Listener) error {
	var errs []error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func openUnix(path string, backlog int) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}

	fd, err := newSocket(unix.AF_UNIX)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", path, err)
	}

	ln, err := listenFD(fd, backlog, path)
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetUnlinkOnClose(true)
	}
	return ln, nil
}

func openTCP(address string, backlog int, noPush bool) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", address, err)
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		inet4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		copy(inet4.Addr[:], ip4)
		family, sa = unix.AF_INET, inet4
	} else {
		inet6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(inet6.Addr[:], tcpAddr.IP.To16())
		if tcpAddr.Zone != "" {
			if ifi, err := net.InterfaceByName(tcpAddr.Zone); err == nil {
				inet6.ZoneId = uint32(ifi.Index)
			}
		}
		family, sa = unix.AF_INET6, inet6
	}

	fd, err := newSocket(family)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if noPush {
		if err := setNoPush(fd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to enable tcp_nopush on %s: %w", address, err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind %s: %w", address, err)
	}

	return listenFD(fd, backlog, address)
}

func newSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("failed to create socket: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// listenFD calls listen(2) on fd and converts it to a net.Listener. fd is
// always consumed.
func listenFD(fd, backlog int, name string) (net.Listener, error) {
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen on %s: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	ln, err := net.FileListener(f)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener for %s: %w", name, err)
	}
	return ln, nil
}

// removeStaleSocket deletes a socket file left by a previous process.
// A socket that still accepts connections belongs to a running server and
// is reported as EADDRINUSE. Anything other than a socket at path is an
// error.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s", ErrNotSocket, path)
	}

	conn, err := net.DialTimeout("unix", path, staleProbeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%s is held by a running process: %w", path, unix.EADDRINUSE)
	}
	if !errors.Is(err, unix.ECONNREFUSED) {
		return fmt.Errorf("failed to connect to existing socket %s: %w", path, err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}
	return nil
}
