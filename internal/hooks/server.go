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

import "github.com/tombee/prefork/internal/config"

// StaticServer is a Server with fixed values, used when hooks run outside
// the application server process.
type StaticServer struct {
	pid               int
	pidFile           string
	configuredPIDFile string
	workers           int
}

// NewStaticServer describes master pid owning pidFile. An empty pidFile
// means the master owns the configured PID file.
func NewStaticServer(cfg *config.Config, pid int, pidFile string) *StaticServer {
	if pidFile == "" {
		pidFile = cfg.PIDFile()
	}
	return &StaticServer{
		pid:               pid,
		pidFile:           pidFile,
		configuredPIDFile: cfg.PIDFile(),
		workers:           cfg.WorkerProcesses,
	}
}

func (s *StaticServer) PID() int                  { return s.pid }
func (s *StaticServer) PIDFile() string           { return s.pidFile }
func (s *StaticServer) ConfiguredPIDFile() string { return s.configuredPIDFile }
func (s *StaticServer) WorkerProcesses() int      { return s.workers }
