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

	"github.com/mfgkit/stationd/internal/backend"
	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/runner"
	"github.com/mfgkit/stationd/internal/store"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// mesContextFrom assembles the MES tuple from command parameters and
// batch config. Returns nil when the tuple is incomplete or no backend
// is configured; execution then proceeds purely locally.
func (w *Worker) mesContextFrom(params map[string]any) *mesContext {
	if w.client == nil {
		return nil
	}

	wipID, _ := params["wip_id"].(string)
	if wipID == "" {
		return nil
	}

	processID := paramInt(params, "process_id")
	if processID == 0 {
		processID = w.cfg.ProcessID
	}
	operatorID := paramInt(params, "operator_id")
	if operatorID == 0 {
		operatorID = w.stationCfg.Workflow.DefaultOperatorID
	}
	if processID == 0 || operatorID == 0 {
		w.logger.Warn("wip_id given but MES tuple incomplete, running without MES",
			slog.String("wip_id", wipID),
			slog.Int("process_id", processID),
			slog.Int("operator_id", operatorID))
		return nil
	}

	return &mesContext{
		WIPID:      wipID,
		WIPIntID:   paramInt(params, "wip_int_id"),
		ProcessID:  processID,
		OperatorID: operatorID,
		StartedAt:  time.Now(),
	}
}

// mesStart performs the start-process transition. A business rejection
// is returned to fail the command; a retryable backend failure flips to
// offline mode and enqueues the transition for the sync engine.
func (w *Worker) mesStart(ctx context.Context, mes *mesContext) error {
	if mes.WIPIntID == 0 {
		item, err := w.client.LookupWIP(ctx, mes.WIPID)
		if err != nil {
			if stationerrors.IsRetryableBackend(err) {
				w.logger.Warn("backend unreachable during wip lookup, queueing start",
					slog.Any("error", err))
				w.enqueueStart(ctx, mes)
				return nil
			}
			return err
		}
		mes.WIPIntID = item.ID
	}

	if err := w.client.StartProcess(ctx, mes.WIPIntID, w.startRequest(mes)); err != nil {
		if stationerrors.IsRetryableBackend(err) {
			w.logger.Warn("backend unreachable during start-process, queueing",
				slog.Any("error", err))
			w.enqueueStart(ctx, mes)
			return nil
		}
		return err
	}

	w.logger.Info("start-process recorded",
		slog.String("wip_id", mes.WIPID), slog.Int("process_id", mes.ProcessID))
	return nil
}

func (w *Worker) startRequest(mes *mesContext) backend.StartProcessRequest {
	return backend.StartProcessRequest{
		ProcessID:   mes.ProcessID,
		OperatorID:  mes.OperatorID,
		EquipmentID: w.stationCfg.Backend.EquipmentID,
		HeaderID:    w.cfg.HeaderID(),
		SlotID:      w.cfg.SlotID,
	}
}

func (w *Worker) enqueueStart(ctx context.Context, mes *mesContext) {
	err := w.station.Enqueue(ctx, store.EntityWIPProcess, mes.WIPID, store.ActionStartProcess,
		map[string]any{
			"wip_id":     mes.WIPID,
			"wip_int_id": mes.WIPIntID,
			"request":    w.startRequest(mes),
		})
	if err != nil {
		w.logger.Error("failed to queue start-process", slog.Any("error", err))
	}
}

// mesComplete performs the complete-process transition after an
// execution ends. Retryable failures are enqueued; business rejections
// are surfaced as an ERROR event and execution handling continues.
func (w *Worker) mesComplete(ctx context.Context, exec *executionState, e runner.Event, overallPass bool, steps []store.StepResult) {
	mes := exec.MES

	result := "FAIL"
	if overallPass {
		result = "PASS"
	}

	w.mu.Lock()
	measurements := make(map[string]any, len(exec.Measurements)+len(e.Measurements))
	for k, v := range exec.Measurements {
		measurements[k] = v
	}
	execDefects := make([]string, len(exec.Defects))
	copy(execDefects, exec.Defects)
	w.mu.Unlock()
	for k, v := range e.Measurements {
		measurements[k] = v
	}

	req := backend.CompleteProcessRequest{
		Result:       result,
		Measurements: measurements,
		Defects:      collectDefects(execDefects, steps, e),
	}

	if mes.WIPIntID == 0 {
		// Start-process is still queued offline; completion follows it
		// through the queue in order.
		w.enqueueComplete(ctx, mes, req)
		return
	}

	procResult, err := w.client.CompleteProcess(ctx, mes.WIPIntID, mes.ProcessID, mes.OperatorID, req)
	if err != nil {
		if stationerrors.IsRetryableBackend(err) {
			w.logger.Warn("backend unreachable during complete-process, queueing",
				slog.Any("error", err))
			w.enqueueComplete(ctx, mes, req)
			return
		}
		w.logger.Error("complete-process rejected", slog.Any("error", err))
		w.publish(ipc.EvtError, map[string]any{
			"execution_id": exec.ID,
			"message":      "complete-process rejected: " + err.Error(),
			"code":         stationerrors.Code(err),
		})
		return
	}

	w.logger.Info("complete-process recorded",
		slog.String("wip_id", mes.WIPID), slog.String("result", result))
	if procResult.Status == "COMPLETED" && procResult.CanConvert {
		w.publish(ipc.EvtWIPProcessComplete, map[string]any{
			"execution_id": exec.ID,
			"wip_id":       mes.WIPID,
			"wip_int_id":   mes.WIPIntID,
			"can_convert":  true,
		})
	}
}

func (w *Worker) enqueueComplete(ctx context.Context, mes *mesContext, req backend.CompleteProcessRequest) {
	err := w.station.Enqueue(ctx, store.EntityWIPProcess, mes.WIPID, store.ActionCompleteProcess,
		map[string]any{
			"wip_id":      mes.WIPID,
			"wip_int_id":  mes.WIPIntID,
			"process_id":  mes.ProcessID,
			"operator_id": mes.OperatorID,
			"request":     req,
		})
	if err != nil {
		w.logger.Error("failed to queue complete-process", slog.Any("error", err))
	}
}

// openSession opens the MES process session, best effort. A failure is
// logged; execution proceeds without a session.
func (w *Worker) openSession(ctx context.Context, seqName, seqVersion string) {
	if w.client == nil || w.cfg.ProcessID == 0 {
		return
	}
	_, err := w.client.OpenSession(ctx, backend.OpenSessionRequest{
		StationID:       w.stationCfg.Backend.StationID,
		BatchID:         w.cfg.ID,
		ProcessID:       w.cfg.ProcessID,
		SlotID:          w.cfg.SlotID,
		SequenceName:    seqName,
		SequenceVersion: seqVersion,
	})
	if err != nil {
		w.logger.Warn("process session open failed", slog.Any("error", err))
	}
}

// collectDefects flattens step defects plus the errors of non-passing
// steps and any terminal error into the 완공 defect list.
func collectDefects(execDefects []string, steps []store.StepResult, e runner.Event) []string {
	defects := execDefects
	defects = append(defects, e.Defects...)
	for _, step := range steps {
		failed := step.Pass != nil && !*step.Pass
		if step.Error != "" && (failed || step.Status == "failed") {
			defects = append(defects, step.Name+": "+step.Error)
		}
	}
	if e.Error != "" && !e.OverallPass {
		defects = append(defects, e.Error)
	}
	return defects
}

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
