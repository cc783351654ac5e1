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

// Package database holds the application's database connection so that it
// can be dropped before a fork and re-established in each worker.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	preforkerrors "github.com/tombee/prefork/pkg/errors"
)

// connectTimeout bounds the initial ping after opening.
const connectTimeout = 5 * time.Second

// ErrNotConnected is returned by Ping when no connection is open.
var ErrNotConnected = errors.New("database: not connected")

// Config selects the driver and data source.
type Config struct {
	// Driver is the database/sql driver name. Only "sqlite" is registered.
	Driver string

	// DSN is the data source name passed to the driver.
	DSN string
}

// Conn is a reopenable database handle. It is safe for concurrent use.
type Conn struct {
	cfg Config

	mu sync.Mutex
	db *sql.DB
}

// New returns a closed connection for cfg.
func New(cfg Config) *Conn {
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	return &Conn{cfg: cfg}
}

// Open connects to the database. Calling Open on an open connection is a no-op.
func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return nil
	}

	db, err := sql.Open(c.cfg.Driver, c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// A forked worker owns exactly one connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return fmt.Errorf("failed to execute PRAGMA busy_timeout: %w", err)
	}

	c.db = db
	return nil
}

// Close drops the connection. Closing a closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return preforkerrors.Wrap(err, "failed to close database")
}

// Connected reports whether the connection is open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db != nil
}

// Ping verifies the open connection is usable.
func (c *Conn) Ping(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	if db == nil {
		return ErrNotConnected
	}
	return db.PingContext(ctx)
}
