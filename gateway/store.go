// Copyright 2025 Peanut Platform
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

package gateway

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

// Store is the persistence port. The default engine is an embedded SQLite
// database under DATA_DIR; a Postgres DSN in DATABASE_URL switches engines.
// SQLite runs with a single connection so every statement is serialized,
// which the audit chain and the rate-limit counters rely on.
type Store struct {
	db     *sql.DB
	driver string
}

// OpenStore opens the persistence port and creates missing tables.
func OpenStore(databaseURL, dataDir string) (*Store, error) {
	var (
		db     *sql.DB
		driver string
		err    error
	)

	if databaseURL != "" {
		driver = driverPostgres
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
	} else {
		driver = driverSQLite
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		dbPath := filepath.Join(dataDir, "gateway.db")
		db, err = sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}

		// Single connection: SQLite allows one writer, and funnelling every
		// statement through one connection makes transactions and the
		// find-latest-then-insert audit append serialize.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		pragmas := []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
			}
		}
	}

	store := &Store{db: db, driver: driver}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the backup exporter and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// rebind translates ?-style placeholders to the $N style Postgres expects.
// Queries in this package never embed literal question marks.
func (s *Store) rebind(query string) string {
	if s.driver != driverPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// createTables creates the named tables of the persistence port. The DDL is
// restricted to the dialect intersection of SQLite and Postgres.
func (s *Store) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			totp_secret TEXT,
			totp_enabled INTEGER NOT NULL DEFAULT 0,
			backup_codes TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			last_login_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			model TEXT NOT NULL,
			max_tokens INTEGER NOT NULL,
			temperature REAL NOT NULL,
			priority INTEGER NOT NULL,
			weight INTEGER NOT NULL,
			tags TEXT NOT NULL DEFAULT '[]',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agent_health (
			agent_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			success_rate REAL NOT NULL DEFAULT 1.0,
			request_count INTEGER NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			last_checked_at TEXT,
			details TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			actor_user_id TEXT NOT NULL DEFAULT '',
			actor_email TEXT NOT NULL DEFAULT '',
			ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			resource_type TEXT NOT NULL DEFAULT '',
			resource_id TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}',
			previous_fingerprint TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_actor ON audit_log(actor_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_resource_type ON audit_log(resource_type)`,
		`CREATE TABLE IF NOT EXISTS rate_limit_windows (
			key TEXT NOT NULL,
			window_start TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (key, window_start)
		)`,
		`CREATE TABLE IF NOT EXISTS vault_config (
			id INTEGER PRIMARY KEY,
			api_key_ciphertext TEXT,
			base_url TEXT NOT NULL,
			model TEXT NOT NULL,
			max_tokens_per_request INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}

	return nil
}

// gatewayTables lists every table of the persistence port, in backup order.
var gatewayTables = []string{
	"users",
	"sessions",
	"agents",
	"agent_health",
	"audit_log",
	"rate_limit_windows",
	"vault_config",
}
