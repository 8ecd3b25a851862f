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
	"encoding/json"
	"errors"
	"time"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Execution status values as persisted.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionStopped   = "stopped"
)

// Execution is one durable execution record.
type Execution struct {
	ExecutionID     string
	BatchID         string
	SequenceName    string
	SequenceVersion string
	Status          string
	OverallPass     *bool
	StartedAt       time.Time
	CompletedAt     *time.Time
	Duration        time.Duration
	Parameters      map[string]any
	SyncedAt        *time.Time
	Steps           []StepResult
}

// StepResult is one durable step row, ordered by StepOrder within an
// execution.
type StepResult struct {
	StepOrder int
	Name      string
	Status    string
	Pass      *bool
	Duration  time.Duration
	Payload   map[string]any
	Error     string
}

// CreateExecution inserts a new running execution row.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	params, err := json.Marshal(e.Parameters)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "create_execution", Cause: err}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_results
			(execution_id, batch_id, sequence_name, sequence_version, status, started_at, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ExecutionID, e.BatchID, e.SequenceName, e.SequenceVersion,
		ExecutionRunning, e.StartedAt.UnixMilli(), string(params),
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "create_execution", Cause: err}
	}
	return nil
}

// CompleteExecution finalizes an execution with its terminal status, pass
// flag, and step rows. Steps are written in StepOrder.
func (s *Store) CompleteExecution(ctx context.Context, executionID, status string, overallPass bool, completedAt time.Time, duration time.Duration, steps []StepResult) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_results
		SET status = ?, overall_pass = ?, completed_at = ?, duration_ms = ?
		WHERE execution_id = ?`,
		status, boolToInt(overallPass), completedAt.UnixMilli(), duration.Milliseconds(), executionID,
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "complete_execution", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &stationerrors.NotFoundError{Resource: "execution", ID: executionID}
	}

	for _, step := range steps {
		if err := s.insertStep(ctx, executionID, step); err != nil {
			return err
		}
	}
	return nil
}

// insertStep writes one step row for an execution.
func (s *Store) insertStep(ctx context.Context, executionID string, step StepResult) error {
	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "insert_step", Cause: err}
	}

	var pass any
	if step.Pass != nil {
		pass = boolToInt(*step.Pass)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO step_results
			(execution_id, step_order, name, status, pass_result, duration_ms, payload, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, step.StepOrder, step.Name, step.Status, pass,
		step.Duration.Milliseconds(), string(payload), nullIfEmpty(step.Error),
	)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "insert_step", Cause: err}
	}
	return nil
}

// UpdateExecutionStatus changes the status of a non-terminal execution.
func (s *Store) UpdateExecutionStatus(ctx context.Context, executionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE execution_results SET status = ? WHERE execution_id = ?`, status, executionID)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "update_execution_status", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &stationerrors.NotFoundError{Resource: "execution", ID: executionID}
	}
	return nil
}

// MarkExecutionSynced records the time the execution reached the backend.
func (s *Store) MarkExecutionSynced(ctx context.Context, executionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_results SET synced_at = ? WHERE execution_id = ?`, at.UnixMilli(), executionID)
	if err != nil {
		return &stationerrors.PersistenceError{Op: "mark_execution_synced", Cause: err}
	}
	return nil
}

// GetExecutionWithSteps loads an execution and its steps in ascending
// step_order.
func (s *Store) GetExecutionWithSteps(ctx context.Context, executionID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, batch_id, sequence_name, COALESCE(sequence_version, ''), status,
		       overall_pass, started_at, completed_at, COALESCE(duration_ms, 0),
		       COALESCE(parameters, '{}'), synced_at
		FROM execution_results WHERE execution_id = ?`, executionID)

	e, err := scanExecution(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT step_order, name, status, pass_result, COALESCE(duration_ms, 0),
		       COALESCE(payload, '{}'), COALESCE(error, '')
		FROM step_results WHERE execution_id = ? ORDER BY step_order ASC`, executionID)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_execution_steps", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step       StepResult
			pass       sql.NullInt64
			durationMS int64
			payload    string
		)
		if err := rows.Scan(&step.StepOrder, &step.Name, &step.Status, &pass, &durationMS, &payload, &step.Error); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "get_execution_steps", Cause: err}
		}
		if pass.Valid {
			v := pass.Int64 != 0
			step.Pass = &v
		}
		step.Duration = time.Duration(durationMS) * time.Millisecond
		if err := json.Unmarshal([]byte(payload), &step.Payload); err != nil {
			step.Payload = nil
		}
		e.Steps = append(e.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_execution_steps", Cause: err}
	}
	return e, nil
}

// GetLastCompletedExecution returns the most recent terminal execution for
// a batch, with steps, or a NotFoundError when the batch has never run.
func (s *Store) GetLastCompletedExecution(ctx context.Context, batchID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, batch_id, sequence_name, COALESCE(sequence_version, ''), status,
		       overall_pass, started_at, completed_at, COALESCE(duration_ms, 0),
		       COALESCE(parameters, '{}'), synced_at
		FROM execution_results
		WHERE batch_id = ? AND status != ?
		ORDER BY started_at DESC LIMIT 1`, batchID, ExecutionRunning)

	e, err := scanExecution(row)
	if err != nil {
		var nf *stationerrors.NotFoundError
		if errors.As(err, &nf) {
			return nil, &stationerrors.NotFoundError{Resource: "execution", ID: "latest for batch " + batchID}
		}
		return nil, err
	}
	return s.GetExecutionWithSteps(ctx, e.ExecutionID)
}

// ListExecutions returns recent executions for a batch, newest first,
// without step rows.
func (s *Store) ListExecutions(ctx context.Context, batchID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, batch_id, sequence_name, COALESCE(sequence_version, ''), status,
		       overall_pass, started_at, completed_at, COALESCE(duration_ms, 0),
		       COALESCE(parameters, '{}'), synced_at
		FROM execution_results
		WHERE batch_id = ?
		ORDER BY started_at DESC LIMIT ?`, batchID, limit)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "list_executions", Cause: err}
	}
	defer rows.Close()

	var result []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "list_executions", Cause: err}
	}
	return result, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e           Execution
		overallPass sql.NullInt64
		startedAt   int64
		completedAt sql.NullInt64
		durationMS  int64
		params      string
		syncedAt    sql.NullInt64
	)
	err := row.Scan(&e.ExecutionID, &e.BatchID, &e.SequenceName, &e.SequenceVersion, &e.Status,
		&overallPass, &startedAt, &completedAt, &durationMS, &params, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &stationerrors.NotFoundError{Resource: "execution", ID: ""}
	}
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "scan_execution", Cause: err}
	}

	if overallPass.Valid {
		v := overallPass.Int64 != 0
		e.OverallPass = &v
	}
	e.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		e.CompletedAt = &t
	}
	e.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
		e.Parameters = nil
	}
	if syncedAt.Valid {
		t := time.UnixMilli(syncedAt.Int64)
		e.SyncedAt = &t
	}
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
