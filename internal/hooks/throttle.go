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
	"strconv"
	"strings"
	"time"

	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/lifecycle"
	preforklog "github.com/tombee/prefork/internal/log"
)

// ThrottleHandler spaces forks at least interval apart. Each hook runs in its
// own process, so the time of the last fork is kept in a flock-guarded file
// holding Unix nanoseconds. The first fork is never delayed.
type ThrottleHandler struct {
	interval time.Duration
	path     string
	logger   *slog.Logger
}

// NewThrottleHandler returns a throttle for interval that records forks in
// path. A non-positive interval disables throttling.
func NewThrottleHandler(interval time.Duration, path string, logger *slog.Logger) *ThrottleHandler {
	if logger == nil {
		logger = preforklog.Discard()
	}
	return &ThrottleHandler{
		interval: interval,
		path:     path,
		logger:   preforklog.WithComponent(logger, "throttle"),
	}
}

func (h *ThrottleHandler) Name() string {
	return config.HandlerThrottleFork
}

// Handle holds the stamp file lock while it waits, so concurrent invocations
// queue up and leave at least interval between them.
func (h *ThrottleHandler) Handle(ctx context.Context, event Event, server Server, worker Worker) error {
	if h.interval <= 0 {
		return nil
	}

	lock, err := lifecycle.LockFile(ctx, h.path)
	if err != nil {
		return fmt.Errorf("waiting for fork slot: %w", err)
	}
	defer lock.Unlock()

	data, err := lock.ReadAll()
	if err != nil {
		return fmt.Errorf("reading fork stamp: %w", err)
	}

	// A stamp in the future (clock step) never delays more than one interval.
	wait := min(time.Until(parseStamp(data).Add(h.interval)), h.interval)
	if wait > 0 {
		preforklog.Trace(h.logger, "waiting for fork slot",
			slog.Int(preforklog.WorkerKey, worker.Nr),
			slog.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for fork slot: %w", ctx.Err())
		case <-timer.C:
		}
	}

	stamp := strconv.FormatInt(time.Now().UnixNano(), 10) + "\n"
	if err := lock.Replace([]byte(stamp)); err != nil {
		return fmt.Errorf("writing fork stamp: %w", err)
	}
	return nil
}

// parseStamp returns the zero time for an empty or unreadable stamp.
func parseStamp(data []byte) time.Time {
	ns, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
