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

package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/mfgkit/stationd/internal/metrics"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// EventHandler receives each worker-published event. Handlers run
// sequentially on the SUB loop; they must not block.
type EventHandler func(Event)

// Server owns the manager side of the IPC fabric: a ROUTER socket for
// commands and a SUB socket for worker events. It maps batch ids to ZMQ
// identities learned during registration.
type Server struct {
	routerPort int
	subPort    int
	logger     *slog.Logger

	router zmq4.Socket
	sub    zmq4.Socket

	mu         sync.Mutex
	identities map[string][]byte
	pending    map[string]chan Response
	handlers   []EventHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates an IPC server on the given ports (0 selects the
// defaults).
func NewServer(routerPort, subPort int, logger *slog.Logger) *Server {
	if routerPort == 0 {
		routerPort = DefaultRouterPort
	}
	if subPort == 0 {
		subPort = DefaultSubPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		routerPort: routerPort,
		subPort:    subPort,
		logger:     logger.With(slog.String("component", "ipc")),
		identities: make(map[string][]byte),
		pending:    make(map[string]chan Response),
	}
}

// RouterAddr returns the address workers dial for commands.
func (s *Server) RouterAddr() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", s.routerPort)
}

// SubAddr returns the address workers dial to publish events.
func (s *Server) SubAddr() string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", s.subPort)
}

// Start binds both sockets and launches the router and sub loops.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.router = zmq4.NewRouter(ctx)
	if err := s.router.Listen(fmt.Sprintf("tcp://*:%d", s.routerPort)); err != nil {
		return &stationerrors.IPCError{Op: "listen_router", Message: "bind router socket", Cause: err}
	}

	s.sub = zmq4.NewSub(ctx)
	if err := s.sub.Listen(fmt.Sprintf("tcp://*:%d", s.subPort)); err != nil {
		s.router.Close()
		return &stationerrors.IPCError{Op: "listen_sub", Message: "bind sub socket", Cause: err}
	}
	if err := s.sub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		s.router.Close()
		s.sub.Close()
		return &stationerrors.IPCError{Op: "subscribe", Message: "subscribe to worker events", Cause: err}
	}

	s.wg.Add(2)
	go s.routerLoop()
	go s.subLoop()

	s.logger.Info("ipc server listening",
		slog.Int("router_port", s.routerPort),
		slog.Int("sub_port", s.subPort))
	return nil
}

// Close stops both loops and releases the sockets.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.router != nil {
		s.router.Close()
	}
	if s.sub != nil {
		s.sub.Close()
	}
	s.wg.Wait()
}

// OnEvent registers a handler for worker events. Must be called before
// Start.
func (s *Server) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, handler)
}

// IsWorkerConnected reports whether a worker has registered for batchID.
func (s *Server) IsWorkerConnected(batchID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.identities[batchID]
	return ok
}

// Unregister drops the identity mapping for a batch. Safe to call for
// unknown batches.
func (s *Server) Unregister(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.identities, batchID)
}

// WaitForWorker polls until the worker for batchID registers or the
// timeout elapses.
func (s *Server) WaitForWorker(ctx context.Context, batchID string, timeout, poll time.Duration) error {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)
	for {
		if s.IsWorkerConnected(batchID) {
			return nil
		}
		if time.Now().After(deadline) {
			return &stationerrors.IPCTimeoutError{BatchID: batchID, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}

// SendCommand sends one command to a worker and waits for its correlated
// response. timeout of 0 uses DefaultCommandTimeout.
func (s *Server) SendCommand(ctx context.Context, batchID string, cmd Command, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}

	s.mu.Lock()
	identity, ok := s.identities[batchID]
	if !ok {
		s.mu.Unlock()
		return nil, &stationerrors.IPCError{Op: "send_command", BatchID: batchID, Message: "worker not registered"}
	}
	ch := make(chan Response, 1)
	s.pending[cmd.RequestID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, cmd.RequestID)
		s.mu.Unlock()
	}()

	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, &stationerrors.IPCError{Op: "send_command", BatchID: batchID, Message: "encode command", Cause: err}
	}

	started := time.Now()
	if err := s.router.Send(zmq4.NewMsgFrom(identity, payload)); err != nil {
		return nil, &stationerrors.IPCError{Op: "send_command", BatchID: batchID, Message: "send on router", Cause: err}
	}

	select {
	case resp := <-ch:
		metrics.ObserveIPCCommand(cmd.Type, time.Since(started))
		return &resp, nil
	case <-time.After(timeout):
		metrics.IPCTimeout(cmd.Type)
		return nil, &stationerrors.IPCTimeoutError{BatchID: batchID, RequestID: cmd.RequestID, Timeout: timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// routerLoop handles registrations and command responses arriving on the
// ROUTER socket.
func (s *Server) routerLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.router.Recv()
		if err != nil {
			s.logger.Debug("router loop exiting", slog.Any("error", err))
			return
		}
		if len(msg.Frames) < 2 {
			continue
		}
		identity := msg.Frames[0]
		payload := msg.Frames[len(msg.Frames)-1]

		var probe struct {
			Type      string `json:"type"`
			BatchID   string `json:"batch_id"`
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(payload, &probe); err != nil {
			s.logger.Warn("discarding malformed router frame", slog.Any("error", err))
			continue
		}

		if probe.Type == msgTypeRegister {
			s.handleRegister(identity, probe.BatchID)
			continue
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil || resp.RequestID == "" {
			s.logger.Warn("discarding uncorrelated router frame")
			continue
		}

		s.mu.Lock()
		ch, ok := s.pending[resp.RequestID]
		s.mu.Unlock()
		if !ok {
			// Late reply after timeout; the waiter is gone.
			s.logger.Debug("dropping late response", slog.String("request_id", resp.RequestID))
			continue
		}
		select {
		case ch <- resp:
		default:
		}
	}
}

func (s *Server) handleRegister(identity []byte, batchID string) {
	if batchID == "" {
		s.logger.Warn("registration without batch id")
		return
	}

	s.mu.Lock()
	s.identities[batchID] = identity
	s.mu.Unlock()

	ack, _ := json.Marshal(registerAck{Status: StatusOK, Message: "registered"})
	if err := s.router.Send(zmq4.NewMsgFrom(identity, ack)); err != nil {
		s.logger.Error("failed to ack registration",
			slog.String("batch_id", batchID), slog.Any("error", err))
		return
	}
	s.logger.Info("worker registered", slog.String("batch_id", batchID))
}

// subLoop dispatches worker events to the registered handlers, one event
// at a time.
func (s *Server) subLoop() {
	defer s.wg.Done()
	for {
		msg, err := s.sub.Recv()
		if err != nil {
			s.logger.Debug("sub loop exiting", slog.Any("error", err))
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(msg.Frames[len(msg.Frames)-1], &event); err != nil {
			s.logger.Warn("discarding malformed event", slog.Any("error", err))
			continue
		}

		s.mu.Lock()
		handlers := make([]EventHandler, len(s.handlers))
		copy(handlers, s.handlers)
		s.mu.Unlock()

		for _, handler := range handlers {
			handler(event)
		}
	}
}
