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

// Package events fans worker and manager events out to WebSocket clients.
package events

import "sync"

// Event is one internal notification flowing from the IPC sub loop or the
// batch manager toward subscribers.
type Event struct {
	Type    string
	BatchID string
	Data    map[string]any
}

// Handler consumes events. Handlers run on the emitting goroutine and
// must not block.
type Handler func(Event)

// Emitter is the in-process event bus between producers (IPC sub loop,
// batch manager) and consumers (WebSocket router, log persistence).
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewEmitter creates an empty event bus.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers a handler for every subsequent event.
func (e *Emitter) Subscribe(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// Emit delivers the event to every handler in subscription order.
func (e *Emitter) Emit(eventType, batchID string, data map[string]any) {
	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	event := Event{Type: eventType, BatchID: batchID, Data: data}
	for _, h := range handlers {
		h(event)
	}
}
