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

package lifecycle

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrProcessGone is returned by SendSignal when the target no longer
// exists. It matches unix.ESRCH under errors.Is.
var ErrProcessGone error = unix.ESRCH

// ProcessInfo describes a process found through a PID file.
type ProcessInfo struct {
	PID     int
	Running bool
	Command string
}

// IsProcessRunning reports whether a process with the given PID exists.
// A process owned by another user still counts as running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// SendSignal delivers sig to pid. The returned error wraps the errno, so
// errors.Is(err, unix.ESRCH) identifies a process that has already exited.
func SendSignal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("failed to send %s to process %d: %w", unix.SignalName(sig), pid, err)
	}
	return nil
}

// GetProcessInfo returns information about the process with the given PID.
func GetProcessInfo(pid int) *ProcessInfo {
	info := &ProcessInfo{
		PID:     pid,
		Running: IsProcessRunning(pid),
	}

	if info.Running {
		cmd, err := processCommand(pid)
		if err != nil {
			info.Command = "<unknown>"
		} else {
			info.Command = cmd
		}
	}

	return info
}
