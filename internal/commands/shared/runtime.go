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
	"io"
	"log/slog"

	"github.com/tombee/prefork/internal/config"
	preforklog "github.com/tombee/prefork/internal/log"
)

// LoadConfig loads the configuration selected by --config.
func LoadConfig() (*config.Config, string, error) {
	path := GetConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, NewConfigError("failed to load configuration", err)
	}
	return cfg, path, nil
}

// NewLogger builds the process logger for cfg. Records go to the configured
// stderr_path target. --verbose forces debug level and --quiet limits output
// to errors. The returned closer releases a redirected log file.
func NewLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	out, err := preforklog.OpenOutput(cfg.StderrPath)
	if err != nil {
		return nil, nil, err
	}

	logCfg := preforklog.FromEnv()
	logCfg.Output = out
	logCfg.Level = cfg.Log.Level
	logCfg.Format = preforklog.Format(cfg.Log.Format)

	switch {
	case GetVerbose():
		logCfg.Level = "debug"
	case GetQuiet():
		logCfg.Level = "error"
	}

	return preforklog.New(logCfg), out, nil
}
