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

// Package ipc carries commands and events between the manager and batch
// worker processes over ZeroMQ. Commands flow ROUTER→DEALER with
// correlation ids; events flow worker PUB → manager SUB.
package ipc

import "time"

// Default ports and deadlines for the IPC fabric.
const (
	DefaultRouterPort = 5555
	DefaultSubPort    = 5557

	// DefaultCommandTimeout bounds a command round trip.
	DefaultCommandTimeout = 5 * time.Second
	// RegisterAckTimeout bounds the registration handshake.
	RegisterAckTimeout = 5 * time.Second
)

// Command types the manager sends to workers.
const (
	CmdStartSequence = "START_SEQUENCE"
	CmdStopSequence  = "STOP_SEQUENCE"
	CmdSendInput     = "SEND_INPUT"
	CmdGetStatus     = "GET_STATUS"
	CmdManualControl = "MANUAL_CONTROL"
	CmdShutdown      = "SHUTDOWN"
	CmdPing          = "PING"
)

// Event types workers publish to the manager.
const (
	EvtStepStart          = "STEP_START"
	EvtStepComplete       = "STEP_COMPLETE"
	EvtSequenceComplete   = "SEQUENCE_COMPLETE"
	EvtLog                = "LOG"
	EvtError              = "ERROR"
	EvtStatusUpdate       = "STATUS_UPDATE"
	EvtInputRequest       = "INPUT_REQUEST"
	EvtPong               = "PONG"
	EvtBarcodeScanned     = "BARCODE_SCANNED"
	EvtWIPProcessComplete = "WIP_PROCESS_COMPLETE"
)

// msgTypeRegister opens the DEALER→ROUTER handshake.
const msgTypeRegister = "REGISTER"

// Command is one request from the manager to a worker. RequestID
// correlates the eventual Response.
type Command struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id"`
	Params    map[string]any `json:"params,omitempty"`
}

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Response answers one Command on the same DEALER connection.
type Response struct {
	RequestID string         `json:"request_id"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// OK reports whether the worker accepted the command.
func (r *Response) OK() bool { return r.Status == StatusOK }

// Event is one worker-published notification.
type Event struct {
	Type      string         `json:"type"`
	BatchID   string         `json:"batch_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// registerMsg is the payload a worker sends to announce its identity.
type registerMsg struct {
	Type    string `json:"type"`
	BatchID string `json:"batch_id"`
}

// registerAck acknowledges a registration within RegisterAckTimeout.
type registerAck struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
