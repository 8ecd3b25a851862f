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
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// CommandHandler processes one inbound command in the worker.
type CommandHandler func(Command)

// Client is the worker side of the IPC fabric: a DEALER socket whose ZMQ
// identity is the batch id, plus a PUB socket for events.
type Client struct {
	batchID string
	logger  *slog.Logger

	dealer zmq4.Socket
	pub    zmq4.Socket

	pubMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates the worker-side IPC client for one batch.
func NewClient(batchID string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		batchID: batchID,
		logger:  logger.With(slog.String("component", "ipc")),
	}
}

// Connect dials the manager's router and sub addresses and performs the
// REGISTER handshake. The ack must arrive within RegisterAckTimeout.
func (c *Client) Connect(ctx context.Context, routerAddr, subAddr string) error {
	ctx, c.cancel = context.WithCancel(ctx)

	c.dealer = zmq4.NewDealer(ctx, zmq4.WithID(zmq4.SocketIdentity(c.batchID)))
	if err := c.dealer.Dial(routerAddr); err != nil {
		return &stationerrors.IPCError{Op: "dial_router", BatchID: c.batchID, Message: "dial router", Cause: err}
	}

	c.pub = zmq4.NewPub(ctx)
	if err := c.pub.Dial(subAddr); err != nil {
		c.dealer.Close()
		return &stationerrors.IPCError{Op: "dial_sub", BatchID: c.batchID, Message: "dial event socket", Cause: err}
	}

	if err := c.register(); err != nil {
		c.dealer.Close()
		c.pub.Close()
		return err
	}
	return nil
}

// register sends the handshake and waits for the manager's ack.
func (c *Client) register() error {
	payload, _ := json.Marshal(registerMsg{Type: msgTypeRegister, BatchID: c.batchID})
	if err := c.dealer.Send(zmq4.NewMsg(payload)); err != nil {
		return &stationerrors.IPCError{Op: "register", BatchID: c.batchID, Message: "send registration", Cause: err}
	}

	ackCh := make(chan error, 1)
	go func() {
		msg, err := c.dealer.Recv()
		if err != nil {
			ackCh <- err
			return
		}
		var ack registerAck
		if err := json.Unmarshal(msg.Frames[len(msg.Frames)-1], &ack); err != nil {
			ackCh <- err
			return
		}
		if ack.Status != StatusOK {
			ackCh <- &stationerrors.IPCError{Op: "register", BatchID: c.batchID, Message: "registration rejected: " + ack.Message}
			return
		}
		ackCh <- nil
	}()

	select {
	case err := <-ackCh:
		if err != nil {
			return &stationerrors.IPCError{Op: "register", BatchID: c.batchID, Message: "registration failed", Cause: err}
		}
		c.logger.Info("registered with manager", slog.String("batch_id", c.batchID))
		return nil
	case <-time.After(RegisterAckTimeout):
		return &stationerrors.IPCTimeoutError{BatchID: c.batchID, Timeout: RegisterAckTimeout}
	}
}

// Run reads commands until the socket closes, invoking handler for each.
// It blocks; callers run it on a dedicated goroutine.
func (c *Client) Run(handler CommandHandler) {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		msg, err := c.dealer.Recv()
		if err != nil {
			c.logger.Debug("command loop exiting", slog.Any("error", err))
			return
		}
		if len(msg.Frames) == 0 {
			continue
		}

		var cmd Command
		if err := json.Unmarshal(msg.Frames[len(msg.Frames)-1], &cmd); err != nil {
			c.logger.Warn("discarding malformed command", slog.Any("error", err))
			continue
		}
		handler(cmd)
	}
}

// SendResponse answers a command on the DEALER socket.
func (c *Client) SendResponse(resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return &stationerrors.IPCError{Op: "send_response", BatchID: c.batchID, Message: "encode response", Cause: err}
	}
	if err := c.dealer.Send(zmq4.NewMsg(payload)); err != nil {
		return &stationerrors.IPCError{Op: "send_response", BatchID: c.batchID, Message: "send response", Cause: err}
	}
	return nil
}

// PublishEvent publishes one event on the PUB socket. Events carry the
// batch id and a timestamp; concurrent publishers are serialized.
func (c *Client) PublishEvent(eventType string, data map[string]any) error {
	event := Event{
		Type:      eventType,
		BatchID:   c.batchID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return &stationerrors.IPCError{Op: "publish_event", BatchID: c.batchID, Message: "encode event", Cause: err}
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if err := c.pub.Send(zmq4.NewMsg(payload)); err != nil {
		return &stationerrors.IPCError{Op: "publish_event", BatchID: c.batchID, Message: "publish event", Cause: err}
	}
	return nil
}

// Close tears down both sockets and waits for the command loop.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.dealer != nil {
		c.dealer.Close()
	}
	if c.pub != nil {
		c.pub.Close()
	}
	c.wg.Wait()
}
