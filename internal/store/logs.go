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

package store

import (
	"context"
	"database/sql"
	"time"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// LogEntry is one persisted log line for a batch.
type LogEntry struct {
	ID          int64
	BatchID     string
	ExecutionID string
	Level       string
	Message     string
	CreatedAt   time.Time
}

// AppendLog inserts a log entry. executionID may be empty for batch-level
// logs.
func (s *Store) AppendLog(ctx context.Context, batchID, executionID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (batch_id, execution_id, level, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		batchID, nullIfEmpty(executionID), level, message, time.Now().UnixMilli())
	if err != nil {
		return &stationerrors.PersistenceError{Op: "append_log", Cause: err}
	}
	return nil
}

// GetLogs returns the most recent log entries for a batch, newest first.
func (s *Store) GetLogs(ctx context.Context, batchID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, COALESCE(execution_id, ''), level, message, created_at
		FROM logs WHERE batch_id = ? ORDER BY id DESC LIMIT ?`, batchID, limit)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_logs", Cause: err}
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e  LogEntry
			at int64
		)
		if err := rows.Scan(&e.ID, &e.BatchID, &e.ExecutionID, &e.Level, &e.Message, &at); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "get_logs", Cause: err}
		}
		e.CreatedAt = time.UnixMilli(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_logs", Cause: err}
	}
	return entries, nil
}

// PruneLogs removes log entries older than the retention window.
func (s *Store) PruneLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, &stationerrors.PersistenceError{Op: "prune_logs", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil && err != sql.ErrNoRows {
		return 0, nil
	}
	return n, nil
}
