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
	"encoding/json"
	"strconv"
	"time"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Sync queue entity types and actions.
const (
	EntityWIPProcess = "wip_process"
	EntityExecution  = "execution"

	ActionStartProcess    = "start_process"
	ActionCompleteProcess = "complete_process"
	ActionConvertToSerial = "convert_to_serial"
	ActionCreate          = "create"
	ActionUpdate          = "update"
)

// MaxSyncRetries is the retry budget after which an item is left for
// operator inspection.
const MaxSyncRetries = 5

// SyncItem is one queued backend operation awaiting delivery, FIFO by
// CreatedAt.
type SyncItem struct {
	ID         int64
	EntityType string
	EntityID   string
	Action     string
	Payload    map[string]any
	RetryCount int
	LastError  string
	CreatedAt  time.Time
}

// Enqueue appends a backend operation to the sync queue.
func (s *Store) Enqueue(ctx context.Context, entityType, entityID, action string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "enqueue", Cause: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, entity_id, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		entityType, entityID, action, string(data), time.Now().UnixMilli())
	if err != nil {
		return &stationerrors.PersistenceError{Op: "enqueue", Cause: err}
	}
	return nil
}

// GetPendingItems returns up to limit items with retry_count below
// maxRetries, strictly oldest first.
func (s *Store) GetPendingItems(ctx context.Context, limit, maxRetries int) ([]SyncItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, payload, retry_count, COALESCE(last_error, ''), created_at
		FROM sync_queue
		WHERE retry_count < ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, maxRetries, limit)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_pending_items", Cause: err}
	}
	defer rows.Close()

	var items []SyncItem
	for rows.Next() {
		var (
			item    SyncItem
			payload string
			at      int64
		)
		if err := rows.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Action,
			&payload, &item.RetryCount, &item.LastError, &at); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "get_pending_items", Cause: err}
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			item.Payload = nil
		}
		item.CreatedAt = time.UnixMilli(at)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_pending_items", Cause: err}
	}
	return items, nil
}

// Dequeue removes a delivered item.
func (s *Store) Dequeue(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "dequeue", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &stationerrors.NotFoundError{Resource: "sync item", ID: itoa(id)}
	}
	return nil
}

// MarkFailed increments the retry counter and records the error text.
func (s *Store) MarkFailed(ctx context.Context, id int64, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?
		WHERE id = ?`, errText, id)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "mark_failed", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &stationerrors.NotFoundError{Resource: "sync item", ID: itoa(id)}
	}
	return nil
}

// CountPending returns the number of items still within the retry budget.
func (s *Store) CountPending(ctx context.Context, maxRetries int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue WHERE retry_count < ?`, maxRetries).Scan(&count)
	if err != nil {
		return 0, &stationerrors.PersistenceError{Op: "count_pending", Cause: err}
	}
	return count, nil
}

// CleanupOldItems garbage-collects exhausted items older than the TTL.
func (s *Store) CleanupOldItems(ctx context.Context, olderThanDays, maxRetries int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -olderThanDays).UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_queue WHERE retry_count >= ? AND created_at < ?`,
		maxRetries, cutoff)
	if err != nil {
		return 0, &stationerrors.PersistenceError{Op: "cleanup_old_items", Cause: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
