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

package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/mfgkit/stationd/internal/ipc"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// handleCommand dispatches one inbound command and always replies.
func (w *Worker) handleCommand(cmd ipc.Command) {
	w.logger.Debug("command received",
		slog.String("type", cmd.Type), slog.String("request_id", cmd.RequestID))

	var resp ipc.Response
	switch cmd.Type {
	case ipc.CmdStartSequence:
		resp = w.startSequence(cmd)
	case ipc.CmdStopSequence:
		resp = w.stopSequence(cmd)
	case ipc.CmdSendInput:
		resp = w.sendInput(cmd)
	case ipc.CmdGetStatus:
		resp = ipc.Response{Status: ipc.StatusOK, Data: w.statusSnapshot()}
	case ipc.CmdManualControl:
		resp = w.manualControl(cmd)
	case ipc.CmdShutdown:
		resp = ipc.Response{Status: ipc.StatusOK, Message: "shutting down"}
	case ipc.CmdPing:
		w.publish(ipc.EvtPong, map[string]any{"phase": w.currentPhase()})
		resp = ipc.Response{Status: ipc.StatusOK, Data: map[string]any{"phase": w.currentPhase()}}
	default:
		resp = ipc.Response{
			Status:    ipc.StatusError,
			ErrorCode: "VALIDATION",
			Message:   "unknown command type " + cmd.Type,
		}
	}

	resp.RequestID = cmd.RequestID
	if err := w.ipc.SendResponse(resp); err != nil {
		w.logger.Error("response send failed", slog.Any("error", err))
	}

	// The reply must reach the manager before the command loop dies.
	if cmd.Type == ipc.CmdShutdown {
		w.requestShutdown()
	}
}

func (w *Worker) currentPhase() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// errorResponse maps a typed error to an IPC error reply.
func errorResponse(err error) ipc.Response {
	return ipc.Response{
		Status:    ipc.StatusError,
		ErrorCode: stationerrors.Code(err),
		Message:   err.Error(),
	}
}

// manualControl dispatches a device command to a connected driver.
// Refused while a sequence is running: the subprocess owns the hardware.
func (w *Worker) manualControl(cmd ipc.Command) ipc.Response {
	device, _ := cmd.Params["device"].(string)
	name, _ := cmd.Params["command"].(string)
	args, _ := cmd.Params["args"].(map[string]any)
	if device == "" || name == "" {
		return errorResponse(&stationerrors.ValidationError{Field: "device/command", Message: "both are required"})
	}

	w.mu.Lock()
	if w.execStat == ExecRunning || w.execStat == ExecStarting {
		w.mu.Unlock()
		return errorResponse(&stationerrors.SequenceAlreadyRunningError{BatchID: w.cfg.ID})
	}
	driver, ok := w.drivers[device]
	w.mu.Unlock()

	if !ok {
		return errorResponse(&stationerrors.DriverNotFoundError{Device: device})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := driver.Command(ctx, name, args)
	if err != nil {
		return errorResponse(&stationerrors.DriverCommandError{Device: device, Command: name, Cause: err})
	}
	return ipc.Response{Status: ipc.StatusOK, Data: result}
}
