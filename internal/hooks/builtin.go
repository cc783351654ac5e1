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
	"log/slog"

	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/database"
	"github.com/tombee/prefork/internal/lifecycle"
)

// Deps are the collaborators of the built-in handlers.
type Deps struct {
	// DB is the application database; nil when the capability is disabled.
	DB *database.Conn

	// Events receives lifecycle events; nil disables them.
	Events *lifecycle.LifecycleLogger

	Logger *slog.Logger
}

// BuiltinRegistry registers every built-in handler for cfg.
func BuiltinRegistry(cfg *config.Config, deps Deps) *Registry {
	return NewRegistry(
		NewOldMasterHandler(deps.Events, deps.Logger),
		NewDisconnectHandler(deps.DB, deps.Logger),
		NewReconnectHandler(deps.DB, deps.Logger),
		NewThrottleHandler(cfg.Hooks.ForkThrottle, cfg.ForkThrottleFile(), deps.Logger),
	)
}

// DatabaseFromConfig returns the connection declared by cfg, or nil when the
// database capability is disabled.
func DatabaseFromConfig(cfg *config.Config) *database.Conn {
	if !cfg.Database.Enabled {
		return nil
	}
	return database.New(database.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
}
