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

package errors

// Suggester is implemented by errors that know how the operator can fix
// them. The CLI prints the suggestion of the first Suggester in an error
// chain below the message, so a failed "prefork config check" or hook run
// points at the setting or file to change.
type Suggester interface {
	error

	// Suggestion returns the fix, or "" when there is nothing specific
	// to suggest.
	Suggestion() string
}
