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

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	preforkerrors "github.com/tombee/prefork/pkg/errors"
)

// Exit codes
const (
	ExitSuccess       = 0
	ExitFailure       = 1
	ExitInvalidConfig = 2
	ExitHookFailed    = 3
	ExitBindFailed    = 4
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigError creates an error for configuration that fails to load or validate
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidConfig,
		Message: msg,
		Cause:   cause,
	}
}

// NewHookError creates an error for a failed hook dispatch
func NewHookError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitHookFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewBindError creates an error for listen targets that cannot be bound
func NewBindError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitBindFailed,
		Message: msg,
		Cause:   cause,
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// HandleExitError prints err and exits with its exit code
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err and any user-facing suggestion in its chain to w.
func PrintError(w io.Writer, err error) {
	if msg := err.Error(); msg != "" {
		fmt.Fprintln(w, RenderError("Error: "+msg))
	}
	printSuggestion(w, err)
}

// printSuggestion prints the first non-empty suggestion in the chain.
func printSuggestion(w io.Writer, err error) {
	for err != nil {
		if s, ok := err.(preforkerrors.Suggester); ok {
			if suggestion := s.Suggestion(); suggestion != "" {
				fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
				return
			}
		}
		err = errors.Unwrap(err)
	}
}
