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

// Package syncengine drains the station's durable sync queue to the MES
// backend and keeps the station registered and heartbeating. It runs
// three loops: health probing, queue drain, and heartbeat.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mfgkit/stationd/internal/backend"
	"github.com/mfgkit/stationd/internal/metrics"
	"github.com/mfgkit/stationd/internal/store"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

const (
	healthInterval    = 30 * time.Second
	healthTimeout     = 30 * time.Second
	heartbeatInterval = 15 * time.Second
	syncBatchSize     = 10
	cleanupTTLDays    = 7
)

// RunningBatchesFunc reports the current number of live batches for
// heartbeat telemetry.
type RunningBatchesFunc func() int

// Engine drains the station sync queue and reports liveness. One per
// manager process; started only when a backend URL is configured.
type Engine struct {
	client         *backend.Client
	store          *store.Store
	station        backend.StationInfo
	syncInterval   time.Duration
	runningBatches RunningBatchesFunc
	logger         *slog.Logger

	mu        sync.Mutex
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sync engine over the station-wide store's queue.
func New(client *backend.Client, st *store.Store, station backend.StationInfo, syncInterval time.Duration, runningBatches RunningBatchesFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if syncInterval <= 0 {
		syncInterval = time.Minute
	}
	if runningBatches == nil {
		runningBatches = func() int { return 0 }
	}
	return &Engine{
		client:         client,
		store:          st,
		station:        station,
		syncInterval:   syncInterval,
		runningBatches: runningBatches,
		logger:         logger.With(slog.String("component", "sync")),
	}
}

// Start registers the station and launches the three loops.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.client.RegisterStation(ctx, e.station); err != nil {
		e.logger.Warn("station registration failed, will retry via heartbeat", slog.Any("error", err))
	}

	e.wg.Add(3)
	go e.healthLoop(ctx)
	go e.syncLoop(ctx)
	go e.heartbeatLoop(ctx)
}

// Stop cancels all loops, waits for them, and closes the client.
// In-flight HTTP requests are aborted by context cancellation.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.client.Close()
}

// Online reports whether the last health probe succeeded.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *Engine) setConnected(connected bool) {
	e.mu.Lock()
	changed := e.connected != connected
	e.connected = connected
	e.mu.Unlock()

	if changed {
		if connected {
			e.logger.Info("backend reachable")
		} else {
			e.logger.Warn("backend unreachable, entering offline mode")
		}
		metrics.SetBackendOnline(connected)
	}
}

func (e *Engine) healthLoop(ctx context.Context) {
	defer e.wg.Done()

	// Probe immediately so the first sync tick has a connected flag.
	e.probe(ctx)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.probe(ctx)
		}
	}
}

func (e *Engine) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	e.setConnected(e.client.Health(probeCtx) == nil)
}

func (e *Engine) syncLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.syncInterval)
	defer ticker.Stop()

	gc := time.NewTicker(time.Hour)
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.Online() {
				e.drainOnce(ctx)
			}
		case <-gc.C:
			if n, err := e.store.CleanupOldItems(ctx, cleanupTTLDays, store.MaxSyncRetries); err == nil && n > 0 {
				e.logger.Info("garbage-collected exhausted sync items", slog.Int64("count", n))
			}
		}
	}
}

// drainOnce delivers up to one batch of pending items, strictly FIFO.
func (e *Engine) drainOnce(ctx context.Context) {
	items, err := e.store.GetPendingItems(ctx, syncBatchSize, store.MaxSyncRetries)
	if err != nil {
		e.logger.Error("failed to read sync queue", slog.Any("error", err))
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return
		}
		if err := e.dispatch(ctx, item); err != nil {
			if stationerrors.IsRetryableBackend(err) {
				if mErr := e.store.MarkFailed(ctx, item.ID, err.Error()); mErr != nil {
					e.logger.Error("failed to mark sync item", slog.Any("error", mErr))
				}
				// Connectivity is gone; stop this pass and let the health
				// loop decide when to resume.
				e.setConnected(false)
				return
			}
			// Permanent failure: burn the retry budget so the item is left
			// for operator inspection rather than redelivered forever.
			e.logger.Error("sync item rejected by backend",
				slog.Int64("item_id", item.ID),
				slog.String("action", item.Action),
				slog.Any("error", err))
			if mErr := e.store.MarkFailed(ctx, item.ID, err.Error()); mErr != nil {
				e.logger.Error("failed to mark sync item", slog.Any("error", mErr))
			}
			continue
		}

		if err := e.store.Dequeue(ctx, item.ID); err != nil {
			e.logger.Error("failed to dequeue sync item", slog.Int64("item_id", item.ID), slog.Any("error", err))
			continue
		}
		metrics.SyncItemDrained(item.Action)
		e.logger.Info("sync item delivered",
			slog.Int64("item_id", item.ID),
			slog.String("entity_type", item.EntityType),
			slog.String("action", item.Action))
	}

	if pending, err := e.store.CountPending(ctx, store.MaxSyncRetries); err == nil {
		metrics.SetSyncQueueDepth(pending)
	}
}

// dispatch delivers one queue item to the endpoint its action encodes.
func (e *Engine) dispatch(ctx context.Context, item store.SyncItem) error {
	switch item.EntityType {
	case store.EntityWIPProcess:
		return e.dispatchWIPProcess(ctx, item)
	case store.EntityExecution:
		// Executions are persisted locally and marked synced; there is no
		// separate upload endpoint, so delivery means recording sync time.
		return e.store.MarkExecutionSynced(ctx, item.EntityID, time.Now())
	default:
		return &stationerrors.ValidationError{Field: "entity_type", Message: "unknown entity type " + item.EntityType}
	}
}

func (e *Engine) dispatchWIPProcess(ctx context.Context, item store.SyncItem) error {
	wipIntID := payloadInt(item.Payload, "wip_int_id")
	if wipIntID == 0 {
		// Queued while the backend was unreachable, before the WIP string
		// id could be resolved.
		wipID, _ := item.Payload["wip_id"].(string)
		if wipID == "" {
			return &stationerrors.ValidationError{Field: "payload.wip_int_id", Message: "missing in sync item"}
		}
		wip, err := e.client.LookupWIP(ctx, wipID)
		if err != nil {
			return err
		}
		wipIntID = wip.ID
	}

	switch item.Action {
	case store.ActionStartProcess:
		var req backend.StartProcessRequest
		if err := decodePayload(item.Payload, "request", &req); err != nil {
			return err
		}
		return e.client.StartProcess(ctx, wipIntID, req)

	case store.ActionCompleteProcess:
		var req backend.CompleteProcessRequest
		if err := decodePayload(item.Payload, "request", &req); err != nil {
			return err
		}
		processID := payloadInt(item.Payload, "process_id")
		operatorID := payloadInt(item.Payload, "operator_id")
		_, err := e.client.CompleteProcess(ctx, wipIntID, processID, operatorID, req)
		return err

	case store.ActionConvertToSerial:
		return e.client.ConvertToSerial(ctx, wipIntID)

	default:
		return &stationerrors.ValidationError{Field: "action", Message: "unknown action " + item.Action}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.heartbeat(ctx)
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context) {
	pending, _ := e.store.CountPending(ctx, store.MaxSyncRetries)
	hb := backend.Heartbeat{
		RunningBatches: e.runningBatches(),
		PendingSync:    pending,
	}

	err := e.client.SendHeartbeat(ctx, hb)
	if err == nil {
		return
	}

	// An unknown station means the backend lost our registration.
	var be *stationerrors.BackendError
	if stationerrors.IsNotFound(err) || (errors.As(err, &be) && be.StatusCode == 404) {
		e.logger.Warn("station unknown to backend, re-registering")
		if rErr := e.client.RegisterStation(ctx, e.station); rErr != nil {
			e.logger.Error("station re-registration failed", slog.Any("error", rErr))
		}
		return
	}
	e.logger.Debug("heartbeat failed", slog.Any("error", err))
}

// payloadInt reads an int from a decoded JSON payload; numbers arrive as
// float64.
func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// decodePayload re-marshals a payload sub-object into a typed request.
func decodePayload(payload map[string]any, key string, out any) error {
	raw, ok := payload[key]
	if !ok {
		return &stationerrors.ValidationError{Field: "payload." + key, Message: "missing in sync item"}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return &stationerrors.ValidationError{Field: "payload." + key, Message: err.Error()}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &stationerrors.ValidationError{Field: "payload." + key, Message: err.Error()}
	}
	return nil
}
