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

package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Stream redirection targets accepted by stderr_path and stdout_path.
const (
	TargetStderr = "stderr"
	TargetStdout = "stdout"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// OpenOutput resolves a stream redirection target to a writer.
//
// "stderr" and "stdout" return the process streams (Close is a no-op),
// an empty target discards output, and anything else is treated as a file
// path opened for appending.
func OpenOutput(target string) (io.WriteCloser, error) {
	switch target {
	case "":
		return nopCloser{io.Discard}, nil
	case TargetStderr:
		return nopCloser{os.Stderr}, nil
	case TargetStdout:
		return nopCloser{os.Stdout}, nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640) //nolint:gosec // path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", target, err)
	}
	return f, nil
}
