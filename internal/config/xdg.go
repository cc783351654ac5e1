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
	"os"
	"path/filepath"
)

// DefaultPath returns the configuration file to load when none is given:
// $PREFORK_CONFIG, then ./prefork.yaml, then $XDG_CONFIG_HOME/prefork/prefork.yaml.
func DefaultPath() string {
	if path := os.Getenv("PREFORK_CONFIG"); path != "" {
		return path
	}

	if _, err := os.Stat("prefork.yaml"); err == nil {
		return "prefork.yaml"
	}

	dir, err := ConfigDir()
	if err != nil {
		return "prefork.yaml"
	}
	return filepath.Join(dir, "prefork.yaml")
}

// ConfigDir returns the XDG config directory for prefork.
// Respects XDG_CONFIG_HOME, falling back to ~/.config/prefork.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	return filepath.Join(base, "prefork"), nil
}
