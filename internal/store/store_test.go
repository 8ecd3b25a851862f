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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool { return &b }

func TestExecutionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-3 * time.Second)
	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ExecutionID:  "exec-1",
		BatchID:      "b1",
		SequenceName: "demo",
		StartedAt:    started,
		Parameters:   map[string]any{"voltage": 3.3},
	}))

	// Running executions have no completed_at.
	e, err := s.GetExecutionWithSteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionRunning, e.Status)
	assert.Nil(t, e.CompletedAt)
	assert.Equal(t, 3.3, e.Parameters["voltage"])

	steps := []StepResult{
		{StepOrder: 1, Name: "power_on", Status: "completed", Pass: boolPtr(true), Duration: 120 * time.Millisecond},
		{StepOrder: 2, Name: "measure", Status: "completed", Pass: boolPtr(true), Duration: 480 * time.Millisecond,
			Payload: map[string]any{"value": 3.31}},
		{StepOrder: 3, Name: "power_off", Status: "completed", Pass: boolPtr(false), Duration: 90 * time.Millisecond,
			Error: "relay stuck"},
	}
	completed := time.Now()
	require.NoError(t, s.CompleteExecution(ctx, "exec-1", ExecutionCompleted, false,
		completed, completed.Sub(started), steps))

	e, err = s.GetExecutionWithSteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, e.Status)
	require.NotNil(t, e.OverallPass)
	assert.False(t, *e.OverallPass)
	require.NotNil(t, e.CompletedAt)
	require.Len(t, e.Steps, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{e.Steps[0].StepOrder, e.Steps[1].StepOrder, e.Steps[2].StepOrder})
	assert.Equal(t, "relay stuck", e.Steps[2].Error)
	assert.Equal(t, 3.31, e.Steps[1].Payload["value"])
	assert.Nil(t, e.SyncedAt)

	require.NoError(t, s.MarkExecutionSynced(ctx, "exec-1", time.Now()))
	e, err = s.GetExecutionWithSteps(ctx, "exec-1")
	require.NoError(t, err)
	assert.NotNil(t, e.SyncedAt)
}

func TestCompleteUnknownExecution(t *testing.T) {
	s := openTestStore(t)

	err := s.CompleteExecution(context.Background(), "ghost", ExecutionCompleted, true, time.Now(), time.Second, nil)
	var nf *stationerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestLastCompletedExecutionSkipsRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "newer"} {
		require.NoError(t, s.CreateExecution(ctx, &Execution{
			ExecutionID: id, BatchID: "b1", SequenceName: "demo",
			StartedAt: base.Add(time.Duration(i) * time.Minute),
		}))
		require.NoError(t, s.CompleteExecution(ctx, id, ExecutionCompleted, true,
			base.Add(time.Duration(i)*time.Minute+30*time.Second), 30*time.Second, nil))
	}
	require.NoError(t, s.CreateExecution(ctx, &Execution{
		ExecutionID: "live", BatchID: "b1", SequenceName: "demo", StartedAt: time.Now(),
	}))

	last, err := s.GetLastCompletedExecution(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "newer", last.ExecutionID)

	_, err = s.GetLastCompletedExecution(ctx, "never-ran")
	var nf *stationerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSyncQueueFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, action := range []string{ActionStartProcess, ActionCompleteProcess} {
		require.NoError(t, s.Enqueue(ctx, EntityWIPProcess, "WIP001", action,
			map[string]any{"wip_int_id": 42}))
	}

	items, err := s.GetPendingItems(ctx, 10, MaxSyncRetries)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ActionStartProcess, items[0].Action)
	assert.Equal(t, ActionCompleteProcess, items[1].Action)
	assert.Equal(t, float64(42), items[0].Payload["wip_int_id"])

	count, err := s.CountPending(ctx, MaxSyncRetries)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, s.Dequeue(ctx, items[0].ID))
	items, err = s.GetPendingItems(ctx, 10, MaxSyncRetries)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, ActionCompleteProcess, items[0].Action)
}

func TestSyncQueueRetryBudget(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, EntityWIPProcess, "WIP001", ActionStartProcess, nil))
	items, err := s.GetPendingItems(ctx, 10, MaxSyncRetries)
	require.NoError(t, err)
	require.Len(t, items, 1)

	for i := 0; i < MaxSyncRetries; i++ {
		require.NoError(t, s.MarkFailed(ctx, items[0].ID, "backend down"))
	}

	// Budget exhausted: the item is invisible to the drain but retained.
	items, err = s.GetPendingItems(ctx, 10, MaxSyncRetries)
	require.NoError(t, err)
	assert.Empty(t, items)

	count, err := s.CountPending(ctx, MaxSyncRetries)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Too recent to be garbage-collected.
	n, err := s.CleanupOldItems(ctx, 7, MaxSyncRetries)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLogsAppendAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendLog(ctx, "b1", "exec-1", "info", "sequence started"))
	require.NoError(t, s.AppendLog(ctx, "b1", "exec-1", "error", "step failed"))
	require.NoError(t, s.AppendLog(ctx, "b2", "", "info", "other batch"))

	logs, err := s.GetLogs(ctx, "b1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)

	n, err := s.PruneLogs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestBatchStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	runs := []struct {
		id     string
		status string
		pass   bool
	}{
		{"e1", ExecutionCompleted, true},
		{"e2", ExecutionCompleted, true},
		{"e3", ExecutionFailed, false},
		{"e4", ExecutionStopped, false},
	}
	for i, r := range runs {
		started := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateExecution(ctx, &Execution{
			ExecutionID: r.id, BatchID: "b1", SequenceName: "demo", StartedAt: started,
		}))
		require.NoError(t, s.CompleteExecution(ctx, r.id, r.status, r.pass,
			started.Add(10*time.Second), 10*time.Second, []StepResult{
				{StepOrder: 1, Name: "measure", Status: "completed", Duration: time.Duration(i+1) * 100 * time.Millisecond},
			}))
	}

	stats, err := s.GetBatchStats(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalRuns)
	assert.Equal(t, 2, stats.Passed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Stopped)
	assert.Equal(t, 10*time.Second, stats.AvgDuration)
	assert.NotNil(t, stats.LastExecutedAt)

	buckets, err := s.GetPeriodStats(ctx, "b1", PeriodDaily)
	require.NoError(t, err)
	require.NotEmpty(t, buckets)
	total := 0
	for _, b := range buckets {
		total += b.Total
	}
	assert.Equal(t, 4, total)

	_, err = s.GetPeriodStats(ctx, "b1", Period("hourly"))
	var validation *stationerrors.ValidationError
	require.ErrorAs(t, err, &validation)

	stepStats, err := s.GetStepStats(ctx, "b1", "measure")
	require.NoError(t, err)
	assert.Equal(t, 4, stepStats.Count)
	assert.Equal(t, 200*time.Millisecond, stepStats.P50)
	assert.Equal(t, 400*time.Millisecond, stepStats.P99)
}
