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

// Package store provides the embedded SQLite persistence layer.
//
// Each batch owns one database file (batch_<id>.db) holding its execution
// results, step results, and logs; a station-wide file (station.db) holds
// the sync queue. All files open with WAL journaling and foreign-key
// enforcement. One writer at a time per file; readers may overlap.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Store wraps a single SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

// BatchDBPath returns the database file path for a batch.
func BatchDBPath(dataDir, batchID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("batch_%s.db", batchID))
}

// StationDBPath returns the station-wide database file path.
func StationDBPath(dataDir string) string {
	return filepath.Join(dataDir, "station.db")
}

// Open opens (creating if needed) the database at path and runs migrations.
// Special value ":memory:" creates an in-memory database for tests.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	connStr := path
	if path != ":memory:" {
		connStr += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "open", Cause: err}
	}

	// A single connection serializes writers and keeps in-memory databases
	// on one schema.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, &stationerrors.PersistenceError{Op: "open", Cause: err}
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	// Foreign keys are off by default in SQLite.
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return &stationerrors.PersistenceError{Op: "migrate", Cause: err}
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS execution_results (
			execution_id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			sequence_name TEXT NOT NULL,
			sequence_version TEXT,
			status TEXT NOT NULL,
			overall_pass INTEGER,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ms INTEGER,
			parameters TEXT,
			synced_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_batch ON execution_results(batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started ON execution_results(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_unsynced ON execution_results(synced_at) WHERE synced_at IS NULL`,

		// Step rows are children of an execution; deleting the execution
		// removes them.
		`CREATE TABLE IF NOT EXISTS step_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL REFERENCES execution_results(execution_id) ON DELETE CASCADE,
			step_order INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			pass_result INTEGER,
			duration_ms INTEGER,
			payload TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution ON step_results(execution_id, step_order)`,

		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			execution_id TEXT,
			level TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_batch ON logs(batch_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			action TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_created ON sync_queue(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return &stationerrors.PersistenceError{Op: "migrate", Cause: err}
		}
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
