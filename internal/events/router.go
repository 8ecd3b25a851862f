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

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/manager"
)

// Global lifecycle events broadcast to every connection.
const (
	EvtBatchCreated      = "BATCH_CREATED"
	EvtBatchDeleted      = "BATCH_DELETED"
	EvtSequenceInstalled = "SEQUENCE_INSTALLED"
	EvtSequenceRemoved   = "SEQUENCE_REMOVED"
)

// outboxSize bounds the per-connection send queue. A client that cannot
// keep up loses events rather than stalling the fan-out.
const outboxSize = 64

// snapshotTimeout bounds the status lookup pushed on subscribe.
const snapshotTimeout = 3 * time.Second

// StatusFunc resolves the current status snapshot for one batch. The
// router pushes it to a client right after it subscribes.
type StatusFunc func(ctx context.Context, batchID string) (map[string]any, error)

// wireMessage is the outbound WebSocket frame. Keys are camelCase to
// match the established client contract.
type wireMessage struct {
	Type    string         `json:"type"`
	BatchID string         `json:"batchId,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// client is one WebSocket connection with its subscription set.
type client struct {
	outbox chan []byte
	subs   map[string]struct{}
}

// Router fans events out to WebSocket clients filtered by their batch
// subscriptions.
type Router struct {
	status StatusFunc
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewRouter creates a router. status may be nil, disabling snapshot push.
func NewRouter(status StatusFunc, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		status:  status,
		logger:  logger.With(slog.String("component", "events")),
		clients: make(map[*client]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (r *Router) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// register adds a connection with an empty subscription set.
func (r *Router) register() *client {
	c := &client{
		outbox: make(chan []byte, outboxSize),
		subs:   make(map[string]struct{}),
	}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	return c
}

// unregister drops a connection and closes its outbox.
func (r *Router) unregister(c *client) {
	r.mu.Lock()
	_, present := r.clients[c]
	delete(r.clients, c)
	r.mu.Unlock()
	if present {
		close(c.outbox)
	}
}

// subscribe adds batch ids to a client's set and pushes each batch's
// current status so the client never waits for the next event.
func (r *Router) subscribe(c *client, batchIDs []string) {
	r.mu.Lock()
	for _, id := range batchIDs {
		c.subs[id] = struct{}{}
	}
	r.mu.Unlock()

	if r.status == nil {
		return
	}
	for _, id := range batchIDs {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		status, err := r.status(ctx, id)
		cancel()
		if err != nil {
			r.logger.Warn("status snapshot failed",
				slog.String("batch_id", id), slog.Any("error", err))
			continue
		}
		r.send(c, encode("batch_status", id, status))
	}
}

// unsubscribe removes batch ids from a client's set.
func (r *Router) unsubscribe(c *client, batchIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range batchIDs {
		delete(c.subs, id)
	}
}

// Broadcast delivers a message to every client subscribed to the batch.
func (r *Router) Broadcast(batchID, msgType string, data map[string]any) {
	payload := encode(msgType, batchID, data)

	r.mu.Lock()
	var targets []*client
	for c := range r.clients {
		if _, subscribed := c.subs[batchID]; subscribed {
			targets = append(targets, c)
		}
	}
	r.mu.Unlock()

	for _, c := range targets {
		r.send(c, payload)
	}
}

// BroadcastAll delivers a message to every connection regardless of
// subscriptions. Used for global lifecycle events only.
func (r *Router) BroadcastAll(msgType, batchID string, data map[string]any) {
	payload := encode(msgType, batchID, data)

	r.mu.Lock()
	targets := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()

	for _, c := range targets {
		r.send(c, payload)
	}
}

// send enqueues without blocking; a full outbox drops the frame.
func (r *Router) send(c *client, payload []byte) {
	select {
	case c.outbox <- payload:
	default:
		r.logger.Warn("client outbox full, dropping frame")
	}
}

func encode(msgType, batchID string, data map[string]any) []byte {
	payload, _ := json.Marshal(wireMessage{Type: msgType, BatchID: batchID, Data: data})
	return payload
}

// BindEmitter subscribes the router to the internal bus, translating
// internal event types to the wire vocabulary.
func (r *Router) BindEmitter(em *Emitter) {
	em.Subscribe(func(e Event) {
		msgType, data, global := r.translate(e)
		if msgType == "" {
			return
		}
		if global {
			r.BroadcastAll(msgType, e.BatchID, data)
			return
		}
		r.Broadcast(e.BatchID, msgType, data)
	})
}

// translate maps one internal event to its wire form. An empty type
// means the event stays internal.
func (r *Router) translate(e Event) (msgType string, data map[string]any, global bool) {
	switch e.Type {
	case ipc.EvtStatusUpdate:
		return "batch_status", e.Data, false
	case ipc.EvtPong:
		return "", nil, false
	case manager.EvtBatchStarted:
		return "batch_status", withStatus(e.Data, manager.StatusRunning), false
	case manager.EvtBatchStopped:
		return "batch_status", withStatus(e.Data, manager.StatusStopped), false
	case manager.EvtBatchCrashed:
		return "batch_status", withStatus(e.Data, "CRASHED"), false
	case EvtBatchCreated:
		return "batch_created", e.Data, true
	case EvtBatchDeleted:
		return "batch_deleted", e.Data, true
	case EvtSequenceInstalled:
		return "sequence_installed", e.Data, true
	case EvtSequenceRemoved:
		return "sequence_removed", e.Data, true
	default:
		return strings.ToLower(e.Type), e.Data, false
	}
}

func withStatus(data map[string]any, status string) map[string]any {
	merged := map[string]any{"status": status}
	for k, v := range data {
		merged[k] = v
	}
	return merged
}
