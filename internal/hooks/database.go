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
	"log/slog"

	"github.com/tombee/prefork/internal/config"
	"github.com/tombee/prefork/internal/database"
	preforklog "github.com/tombee/prefork/internal/log"
)

// DisconnectHandler closes the master's database connection before a fork
// so the child does not inherit a shared socket.
//
// Only a server that dispatches in-process holds a connection here. A
// "prefork hook before-fork" process starts without one, so the handler logs
// that and succeeds.
type DisconnectHandler struct {
	conn   *database.Conn
	logger *slog.Logger
}

// NewDisconnectHandler returns a handler for conn. A nil conn means the
// database capability is disabled and the handler does nothing.
func NewDisconnectHandler(conn *database.Conn, logger *slog.Logger) *DisconnectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DisconnectHandler{conn: conn, logger: logger}
}

func (h *DisconnectHandler) Name() string {
	return config.HandlerDisconnectDatabase
}

func (h *DisconnectHandler) Handle(ctx context.Context, event Event, server Server, worker Worker) error {
	if h.conn == nil {
		return nil
	}
	if !h.conn.Connected() {
		h.logger.Debug("no database connection held by this process", slog.Int(preforklog.WorkerKey, worker.Nr))
		return nil
	}
	if err := h.conn.Close(); err != nil {
		return err
	}
	h.logger.Debug("database disconnected before fork")
	return nil
}

// ReconnectHandler opens a fresh database connection in a new worker. A
// handle that is already open was inherited from the master and is replaced.
//
// Run as "prefork hook after-fork" the connection lives only as long as the
// hook process, so the handler acts as a connectivity check: the hook fails
// when the worker could not reach the database.
type ReconnectHandler struct {
	conn   *database.Conn
	logger *slog.Logger
}

// NewReconnectHandler returns a handler for conn. A nil conn means the
// database capability is disabled and the handler does nothing.
func NewReconnectHandler(conn *database.Conn, logger *slog.Logger) *ReconnectHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconnectHandler{conn: conn, logger: logger}
}

func (h *ReconnectHandler) Name() string {
	return config.HandlerReconnectDatabase
}

func (h *ReconnectHandler) Handle(ctx context.Context, event Event, server Server, worker Worker) error {
	if h.conn == nil {
		return nil
	}
	if h.conn.Connected() {
		if err := h.conn.Close(); err != nil {
			h.logger.Warn("failed to drop inherited database connection", preforklog.Error(err))
		}
	}
	if err := h.conn.Open(ctx); err != nil {
		return err
	}
	h.logger.Debug("database connected after fork", slog.Int(preforklog.WorkerKey, worker.Nr))
	return nil
}
