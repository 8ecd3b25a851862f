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

// Package metrics exposes the station's Prometheus instrumentation.
// Collectors are registered on the default registry and served from the
// event server's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	executionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stationd",
		Name:      "executions_started_total",
		Help:      "Sequence executions started, by batch.",
	}, []string{"batch_id"})

	executionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stationd",
		Name:      "executions_completed_total",
		Help:      "Sequence executions reaching a terminal state, by batch and status.",
	}, []string{"batch_id", "status"})

	executionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stationd",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of completed executions.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"batch_id"})

	batchesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stationd",
		Name:      "batches_running",
		Help:      "Batch worker processes currently alive.",
	})

	backendOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stationd",
		Name:      "backend_online",
		Help:      "1 when the MES backend health probe succeeds.",
	})

	syncQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stationd",
		Name:      "sync_queue_depth",
		Help:      "Pending items in the station sync queue.",
	})

	syncItemsDrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stationd",
		Name:      "sync_items_drained_total",
		Help:      "Sync queue items delivered to the backend, by action.",
	}, []string{"action"})

	ipcCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stationd",
		Name:      "ipc_command_duration_seconds",
		Help:      "Round-trip latency of IPC commands to batch workers.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	ipcTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stationd",
		Name:      "ipc_timeouts_total",
		Help:      "IPC commands that timed out waiting for a worker reply.",
	}, []string{"command"})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "stationd",
		Name:      "ws_clients",
		Help:      "Connected WebSocket clients.",
	})
)

// ExecutionStarted records the start of a sequence execution.
func ExecutionStarted(batchID string) {
	executionsStarted.WithLabelValues(batchID).Inc()
}

// ExecutionCompleted records a terminal execution with its duration.
func ExecutionCompleted(batchID, status string, duration time.Duration) {
	executionsCompleted.WithLabelValues(batchID, status).Inc()
	executionDuration.WithLabelValues(batchID).Observe(duration.Seconds())
}

// SetBatchesRunning updates the live batch gauge.
func SetBatchesRunning(n int) {
	batchesRunning.Set(float64(n))
}

// SetBackendOnline flips the backend reachability gauge.
func SetBackendOnline(online bool) {
	if online {
		backendOnline.Set(1)
	} else {
		backendOnline.Set(0)
	}
}

// SetSyncQueueDepth updates the pending sync item gauge.
func SetSyncQueueDepth(n int) {
	syncQueueDepth.Set(float64(n))
}

// SyncItemDrained counts one delivered sync item.
func SyncItemDrained(action string) {
	syncItemsDrained.WithLabelValues(action).Inc()
}

// ObserveIPCCommand records one command round trip.
func ObserveIPCCommand(command string, duration time.Duration) {
	ipcCommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// IPCTimeout counts one command timeout.
func IPCTimeout(command string) {
	ipcTimeouts.WithLabelValues(command).Inc()
}

// WSClientConnected adjusts the WebSocket client gauge.
func WSClientConnected(delta int) {
	wsClients.Add(float64(delta))
}
