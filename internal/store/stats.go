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
	"sort"
	"time"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// BatchStats aggregates execution outcomes for one batch.
type BatchStats struct {
	BatchID        string
	TotalRuns      int
	Passed         int
	Failed         int
	Stopped        int
	AvgDuration    time.Duration
	LastExecutedAt *time.Time
}

// PeriodBucket is one aggregation bucket labeled by day, ISO week, or
// month.
type PeriodBucket struct {
	Label  string
	Total  int
	Passed int
}

// StepDurationStats summarizes durations for one step name.
type StepDurationStats struct {
	Name  string
	Count int
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
}

// GetBatchStats aggregates terminal executions for a batch. Counters are
// read from the store, never from worker memory: worker counters reset on
// restart.
func (s *Store) GetBatchStats(ctx context.Context, batchID string) (*BatchStats, error) {
	stats := &BatchStats{BatchID: batchID}

	var (
		avgMS  *float64
		lastAt *int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN overall_pass = 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       AVG(duration_ms),
		       MAX(started_at)
		FROM execution_results
		WHERE batch_id = ? AND status != ?`,
		ExecutionFailed, ExecutionStopped, batchID, ExecutionRunning,
	).Scan(&stats.TotalRuns, &stats.Passed, &stats.Failed, &stats.Stopped, &avgMS, &lastAt)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_batch_stats", Cause: err}
	}

	if avgMS != nil {
		stats.AvgDuration = time.Duration(*avgMS) * time.Millisecond
	}
	if lastAt != nil {
		t := time.UnixMilli(*lastAt)
		stats.LastExecutedAt = &t
	}
	return stats, nil
}

// Period selects the bucket label format for GetPeriodStats.
type Period string

// Supported aggregation periods.
const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// GetPeriodStats buckets terminal executions of a batch by period label.
// Labels use SQLite date formatting over started_at: 2006-01-02 for daily,
// 2006-W02 for weekly, 2006-01 for monthly.
func (s *Store) GetPeriodStats(ctx context.Context, batchID string, period Period) ([]PeriodBucket, error) {
	var format string
	switch period {
	case PeriodDaily:
		format = "%Y-%m-%d"
	case PeriodWeekly:
		format = "%Y-W%W"
	case PeriodMonthly:
		format = "%Y-%m"
	default:
		return nil, &stationerrors.ValidationError{Field: "period", Message: "must be daily, weekly, or monthly"}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime(?, started_at / 1000, 'unixepoch') AS bucket,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN overall_pass = 1 THEN 1 ELSE 0 END), 0)
		FROM execution_results
		WHERE batch_id = ? AND status != ?
		GROUP BY bucket
		ORDER BY bucket ASC`, format, batchID, ExecutionRunning)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_period_stats", Cause: err}
	}
	defer rows.Close()

	var buckets []PeriodBucket
	for rows.Next() {
		var b PeriodBucket
		if err := rows.Scan(&b.Label, &b.Total, &b.Passed); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "get_period_stats", Cause: err}
		}
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_period_stats", Cause: err}
	}
	return buckets, nil
}

// GetStepDurations returns all recorded durations for a step name on a
// batch, unsorted.
func (s *Store) GetStepDurations(ctx context.Context, batchID, stepName string) ([]time.Duration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sr.duration_ms
		FROM step_results sr
		JOIN execution_results er ON er.execution_id = sr.execution_id
		WHERE er.batch_id = ? AND sr.name = ? AND sr.duration_ms IS NOT NULL`, batchID, stepName)
	if err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_step_durations", Cause: err}
	}
	defer rows.Close()

	var durations []time.Duration
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, &stationerrors.PersistenceError{Op: "get_step_durations", Cause: err}
		}
		durations = append(durations, time.Duration(ms)*time.Millisecond)
	}
	if err := rows.Err(); err != nil {
		return nil, &stationerrors.PersistenceError{Op: "get_step_durations", Cause: err}
	}
	return durations, nil
}

// GetStepStats computes duration percentiles for a step in-process over
// the sorted samples.
func (s *Store) GetStepStats(ctx context.Context, batchID, stepName string) (*StepDurationStats, error) {
	durations, err := s.GetStepDurations(ctx, batchID, stepName)
	if err != nil {
		return nil, err
	}

	stats := &StepDurationStats{Name: stepName, Count: len(durations)}
	if len(durations) == 0 {
		return stats, nil
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	stats.P50 = percentile(durations, 0.50)
	stats.P90 = percentile(durations, 0.90)
	stats.P99 = percentile(durations, 0.99)
	return stats, nil
}

// percentile picks the nearest-rank percentile from sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
