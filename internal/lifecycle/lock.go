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
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// lockRetry is how often LockFile retries a contended flock.
const lockRetry = 10 * time.Millisecond

// Lock is an exclusive flock on a small state file shared by concurrent
// hook invocations.
type Lock struct {
	f *os.File
}

// LockFile opens path (creating it 0600 if needed) and blocks until it holds
// an exclusive flock on it or ctx is done. The parent directory gets the same
// world-writable check as PID files, and a symlink at path is refused.
func LockFile(ctx context.Context, path string) (*Lock, error) {
	dir := filepath.Dir(path)
	if err := verifyDirectorySafety(dir); err != nil {
		return nil, fmt.Errorf("unsafe lock file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create lock file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|unix.O_NOFOLLOW, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	limiter := rate.NewLimiter(rate.Every(lockRetry), 1)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("failed to lock %s: %w", path, err)
		}
		if err := limiter.Wait(ctx); err != nil {
			f.Close()
			return nil, fmt.Errorf("waiting for lock on %s: %w", path, err)
		}
	}
}

// ReadAll returns the whole content of the locked file.
func (l *Lock) ReadAll() ([]byte, error) {
	info, err := l.f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	n, err := l.f.ReadAt(buf, 0)
	if err != nil && n < len(buf) {
		return nil, err
	}
	return buf[:n], nil
}

// Replace truncates the locked file and writes data to it.
func (l *Lock) Replace(data []byte) error {
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.WriteAt(data, 0); err != nil {
		return err
	}
	return l.f.Sync()
}

// Unlock releases the flock and closes the file. The file itself stays on
// disk for the next holder.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
