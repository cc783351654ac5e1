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
	"os"
	"os/exec"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

// startSleeper starts a child process that outlives the test unless killed.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start sleep process: %v", err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

// exitedPID returns the PID of a child that has exited and been reaped.
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sh", "-c", "exit 0")
	if err := cmd.Run(); err != nil {
		t.Fatalf("failed to run process: %v", err)
	}
	return cmd.Process.Pid
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Error("IsProcessRunning(self) = false, want true")
	}
	if IsProcessRunning(exitedPID(t)) {
		t.Error("IsProcessRunning(exited) = true, want false")
	}
	if IsProcessRunning(0) || IsProcessRunning(-1) {
		t.Error("IsProcessRunning() accepted a non-positive pid")
	}
}

func TestSendSignal(t *testing.T) {
	t.Run("delivers signal", func(t *testing.T) {
		cmd := startSleeper(t)

		if err := SendSignal(cmd.Process.Pid, syscall.SIGQUIT); err != nil {
			t.Fatalf("SendSignal() error = %v", err)
		}

		err := cmd.Wait()
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("Wait() error = %v, want *exec.ExitError", err)
		}
		status := exitErr.Sys().(syscall.WaitStatus)
		if !status.Signaled() || status.Signal() != syscall.SIGQUIT {
			t.Errorf("process ended with %v, want SIGQUIT", status)
		}
	})

	t.Run("exited process reports ESRCH", func(t *testing.T) {
		err := SendSignal(exitedPID(t), syscall.SIGTTOU)
		if !errors.Is(err, unix.ESRCH) {
			t.Errorf("SendSignal() error = %v, want ESRCH", err)
		}
		if !errors.Is(err, ErrProcessGone) {
			t.Errorf("SendSignal() error = %v, want ErrProcessGone", err)
		}
	})

	t.Run("rejects non-positive pid", func(t *testing.T) {
		if err := SendSignal(0, syscall.SIGQUIT); err == nil {
			t.Error("SendSignal(0) succeeded, want error")
		}
	})
}

func TestGetProcessInfo(t *testing.T) {
	cmd := startSleeper(t)

	info := GetProcessInfo(cmd.Process.Pid)
	if !info.Running {
		t.Error("info.Running = false, want true")
	}
	if info.Command == "" {
		t.Error("info.Command is empty")
	}

	gone := GetProcessInfo(exitedPID(t))
	if gone.Running || gone.Command != "" {
		t.Errorf("GetProcessInfo(exited) = %+v, want not running", gone)
	}
}
