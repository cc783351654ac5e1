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
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Network kinds for listen addresses.
const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

// MaxBacklog is the largest accepted listen queue depth.
const MaxBacklog = 65535

// maxUnixPathLen is the usable length of sockaddr_un.sun_path on Linux.
const maxUnixPathLen = 107

var (
	// ErrInvalidAddress is returned for listen addresses that cannot be parsed.
	ErrInvalidAddress = errors.New("invalid listen address")

	hostnamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)
)

// ListenSpec is one listen target with its address-specific options.
type ListenSpec struct {
	// Address is a filesystem socket path, "unix:<path>", a bare port, or host:port.
	Address string `yaml:"address" json:"address"`

	// Backlog is the maximum number of queued, unaccepted connections.
	// Default: 1024
	Backlog int `yaml:"backlog,omitempty" json:"backlog,omitempty"`

	// TCPNoPush delays partial frames (TCP_CORK / TCP_NOPUSH). TCP only.
	TCPNoPush bool `yaml:"tcp_nopush,omitempty" json:"tcp_nopush,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a bare address scalar:
//
//	listen:
//	  - 127.0.0.1:8080
//	  - address: /run/app.sock
//	    backlog: 64
func (l *ListenSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		l.Address = node.Value
		return nil
	}

	type plain ListenSpec
	return node.Decode((*plain)(l))
}

// Parse parses and normalizes the listen address.
func (l ListenSpec) Parse() (Address, error) {
	return ParseAddress(l.Address)
}

// Address is a normalized listen address.
type Address struct {
	// Network is NetworkUnix or NetworkTCP.
	Network string

	// Addr is the socket path for unix addresses and host:port for TCP.
	Addr string
}

// String returns the normalized address.
func (a Address) String() string {
	return a.Addr
}

// IsUnix reports whether the address is a filesystem socket.
func (a Address) IsUnix() bool {
	return a.Network == NetworkUnix
}

// ParseAddress classifies and normalizes a listen address.
//
//   - "unix:/run/app.sock" and "/run/app.sock" are unix sockets
//   - "~/app.sock" is expanded against the home directory
//   - "8080" listens on all interfaces ("0.0.0.0:8080")
//   - "*:8080" is the same as "0.0.0.0:8080"
//   - "host:port" and "[v6]:port" are TCP
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	if path, ok := strings.CutPrefix(s, "unix:"); ok {
		return parseUnixPath(s, path)
	}
	if strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "~/") {
		return parseUnixPath(s, s)
	}

	if isDigits(s) {
		if err := checkPort(s); err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
		}
		return Address{Network: NetworkTCP, Addr: net.JoinHostPort("0.0.0.0", s)}, nil
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	if err := checkPort(port); err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}

	switch {
	case host == "" || host == "*":
		host = "0.0.0.0"
	case net.ParseIP(host) != nil:
	case hostnamePattern.MatchString(host):
	default:
		return Address{}, fmt.Errorf("%w: %q: malformed host %q", ErrInvalidAddress, s, host)
	}

	return Address{Network: NetworkTCP, Addr: net.JoinHostPort(host, port)}, nil
}

func parseUnixPath(raw, path string) (Address, error) {
	if path == "" {
		return Address{}, fmt.Errorf("%w: %q: empty socket path", ErrInvalidAddress, raw)
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
		}
		path = filepath.Join(home, path[2:])
	}
	if strings.ContainsRune(path, 0) {
		return Address{}, fmt.Errorf("%w: %q: NUL byte in socket path", ErrInvalidAddress, raw)
	}
	if len(path) > maxUnixPathLen {
		return Address{}, fmt.Errorf("%w: %q: socket path longer than %d bytes", ErrInvalidAddress, raw, maxUnixPathLen)
	}
	return Address{Network: NetworkUnix, Addr: filepath.Clean(path)}, nil
}

func checkPort(port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || !isDigits(port) {
		return fmt.Errorf("port %q is not numeric", port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", n)
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
