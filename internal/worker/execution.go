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

	"github.com/google/uuid"

	"github.com/mfgkit/stationd/internal/backend"
	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/metrics"
	"github.com/mfgkit/stationd/internal/runner"
	"github.com/mfgkit/stationd/internal/store"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// startSequence handles START_SEQUENCE end to end: MES start-process,
// execution record, and subprocess spawn. On any failure before the
// child is running, the worker returns to IDLE.
func (w *Worker) startSequence(cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	if w.depErr != "" {
		w.mu.Unlock()
		return errorResponse(&stationerrors.WorkerError{
			BatchID: w.cfg.ID, Code: "DEPENDENCY", Message: w.depErr,
		})
	}
	if w.execStat != ExecIdle {
		execID := ""
		if w.exec != nil {
			execID = w.exec.ID
		}
		w.mu.Unlock()
		return errorResponse(&stationerrors.SequenceAlreadyRunningError{BatchID: w.cfg.ID, ExecutionID: execID})
	}
	w.execStat = ExecStarting
	w.mu.Unlock()

	resp := w.doStart(cmd.Params)
	if resp.Status != ipc.StatusOK {
		w.mu.Lock()
		w.execStat = ExecIdle
		w.mu.Unlock()
	}
	return resp
}

func (w *Worker) doStart(params map[string]any) ipc.Response {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	manifest, err := w.loader.Load(w.cfg.SequencePackage)
	if err != nil {
		return errorResponse(err)
	}

	mes := w.mesContextFrom(params)
	if mes != nil {
		if err := w.mesStart(ctx, mes); err != nil {
			// Hard MES rejection: the command fails and nothing is enqueued.
			return errorResponse(err)
		}
	}
	w.openSession(ctx, manifest.Name, manifest.Version)

	execParams := mergeParams(manifest.Parameters, w.cfg.Parameters, params)
	exec := &executionState{
		ID:           shortID(),
		SequenceName: manifest.Name,
		Version:      manifest.Version,
		StartedAt:    time.Now(),
		TotalSteps:   len(manifest.Steps),
		StepNames:    manifest.StepNames(),
		Measurements: make(map[string]any),
		Parameters:   execParams,
		MES:          mes,
		startDone:    make(chan struct{}),
	}

	if err := w.store.CreateExecution(ctx, &store.Execution{
		ExecutionID:     exec.ID,
		BatchID:         w.cfg.ID,
		SequenceName:    manifest.Name,
		SequenceVersion: manifest.Version,
		StartedAt:       exec.StartedAt,
		Parameters:      execParams,
	}); err != nil {
		return errorResponse(err)
	}

	childConfig := map[string]any{
		"batch_id":     w.cfg.ID,
		"execution_id": exec.ID,
		"parameters":   execParams,
		"hardware":     mergeHardware(manifest.Hardware, w.cfg.Hardware),
		"config":       w.cfg.Config,
	}
	if mes != nil {
		childConfig["wip_id"] = mes.WIPID
	}

	proc, err := runner.Start(runner.Options{
		Package:      w.cfg.SequencePackage,
		SequencesDir: w.loader.Dir(),
		Config:       childConfig,
		Interpreter:  w.stationCfg.Paths.Interpreter,
		Callbacks:    w.runnerCallbacks(exec),
		Logger:       w.logger,
	})
	if err != nil {
		w.failStart(exec.ID, err)
		return errorResponse(err)
	}

	w.mu.Lock()
	w.exec = exec
	w.proc = proc
	w.execStat = ExecRunning
	w.phase = PhaseRunning
	w.counters.total++
	w.mu.Unlock()
	close(exec.startDone)

	metrics.ExecutionStarted(w.cfg.ID)
	w.publishStatus()
	w.logger.Info("sequence started",
		slog.String("execution_id", exec.ID),
		slog.String("sequence", manifest.Name),
		slog.Int("pid", proc.PID()))

	return ipc.Response{Status: ipc.StatusOK, Data: map[string]any{
		"execution_id": exec.ID,
		"pid":          proc.PID(),
	}}
}

// failStart records a spawn failure against the just-created execution.
func (w *Worker) failStart(execID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.CompleteExecution(ctx, execID, store.ExecutionFailed, false,
		time.Now(), 0, nil); err != nil {
		w.logger.Error("failed to record spawn failure", slog.Any("error", err))
	}
	w.logger.Error("sequence spawn failed", slog.Any("error", cause))
}

// runnerCallbacks bridges child events into worker state and IPC events.
// They run on the reader goroutine; anything slow goes through a
// goroutine.
func (w *Worker) runnerCallbacks(exec *executionState) runner.Callbacks {
	return runner.Callbacks{
		OnStepStart: func(e runner.Event) {
			w.mu.Lock()
			exec.CurrentStep = e.Step
			exec.StepIndex = e.Index
			if e.Total > 0 {
				exec.TotalSteps = e.Total
			}
			names := exec.StepNames
			w.mu.Unlock()
			data := map[string]any{
				"execution_id": exec.ID,
				"step":         e.Step,
				"index":        e.Index,
				"total":        e.Total,
			}
			// Clients build their step list from the first step event.
			if e.Index == 0 {
				data["step_names"] = names
			}
			w.publish(ipc.EvtStepStart, data)
		},
		OnStepComplete: func(e runner.Event) {
			w.mu.Lock()
			exec.Steps = append(exec.Steps, store.StepResult{
				StepOrder: e.Index,
				Name:      e.Step,
				Status:    e.Status,
				Pass:      e.Pass,
				Duration:  time.Duration(e.DurationMS) * time.Millisecond,
				Payload:   e.Payload,
				Error:     e.Error,
			})
			exec.Defects = append(exec.Defects, e.Defects...)
			if exec.TotalSteps > 0 {
				exec.Progress = float64(e.Index+1) / float64(exec.TotalSteps)
			}
			w.mu.Unlock()
			w.publish(ipc.EvtStepComplete, map[string]any{
				"execution_id": exec.ID,
				"step":         e.Step,
				"index":        e.Index,
				"duration":     e.DurationMS,
				"pass":         e.Pass,
				"result":       e.Payload,
			})
		},
		OnMeasurement: func(e runner.Event) {
			w.mu.Lock()
			exec.Measurements[e.Name] = e.Value
			w.mu.Unlock()
		},
		OnLog: func(e runner.Event) {
			go w.persistLog(exec.ID, e.Level, e.Message)
			w.publish(ipc.EvtLog, map[string]any{
				"execution_id": exec.ID,
				"level":        e.Level,
				"message":      e.Message,
			})
		},
		OnError: func(e runner.Event) {
			go w.persistLog(exec.ID, "error", e.Message)
			w.publish(ipc.EvtError, map[string]any{
				"execution_id": exec.ID,
				"message":      e.Message,
			})
		},
		OnStatus: func(e runner.Event) {
			w.mu.Lock()
			if e.Progress > 0 {
				exec.Progress = e.Progress
			}
			w.mu.Unlock()
			w.publishStatus()
		},
		OnInputRequest: func(e runner.Event) {
			data := map[string]any{
				"execution_id": exec.ID,
				"id":           e.ID,
				"prompt":       e.Prompt,
				"input_type":   e.InputType,
			}
			if e.Options != nil {
				data["options"] = e.Options
			}
			if e.Default != nil {
				data["default"] = e.Default
			}
			if e.Timeout > 0 {
				data["timeout"] = e.Timeout
			}
			w.publish(ipc.EvtInputRequest, data)
		},
		OnSequenceComplete: func(e runner.Event) {
			// Completion does MES and store I/O; never on the reader.
			go w.finishExecution(exec, e)
		},
	}
}

func (w *Worker) persistLog(execID, level, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if level == "" {
		level = "info"
	}
	if err := w.store.AppendLog(ctx, w.cfg.ID, execID, level, message); err != nil {
		w.logger.Warn("log persist failed", slog.Any("error", err))
	}
}

// finishExecution is the single execution-end path for natural
// completion and abnormal child exit alike.
func (w *Worker) finishExecution(exec *executionState, e runner.Event) {
	<-exec.startDone

	w.mu.Lock()
	if w.exec != exec || exec.Cancelled {
		// Stopped by operator; stopSequence owns the bookkeeping.
		w.mu.Unlock()
		return
	}
	w.execStat = ExecStopping
	proc := w.proc
	steps := make([]store.StepResult, len(exec.Steps))
	copy(steps, exec.Steps)
	w.mu.Unlock()

	if proc != nil {
		proc.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	completedAt := time.Now()
	duration := completedAt.Sub(exec.StartedAt)
	status := store.ExecutionCompleted
	if e.Error != "" {
		status = store.ExecutionFailed
	}
	overallPass := e.OverallPass && e.Error == ""

	if exec.MES != nil {
		w.mesComplete(ctx, exec, e, overallPass, steps)
	}

	if err := w.store.CompleteExecution(ctx, exec.ID, status, overallPass, completedAt, duration, steps); err != nil {
		w.logger.Error("failed to persist execution", slog.Any("error", err))
	}

	w.mu.Lock()
	if overallPass {
		w.counters.passed++
	} else {
		w.counters.failed++
	}
	pass := overallPass
	w.lastRun = &store.Execution{
		ExecutionID:     exec.ID,
		BatchID:         w.cfg.ID,
		SequenceName:    exec.SequenceName,
		SequenceVersion: exec.Version,
		Status:          status,
		OverallPass:     &pass,
		StartedAt:       exec.StartedAt,
		CompletedAt:     &completedAt,
		Duration:        duration,
		Parameters:      exec.Parameters,
		Steps:           steps,
	}
	w.exec = nil
	w.proc = nil
	w.execStat = ExecIdle
	w.phase = PhaseReady
	w.mu.Unlock()

	metrics.ExecutionCompleted(w.cfg.ID, status, duration)
	w.publish(ipc.EvtSequenceComplete, map[string]any{
		"execution_id": exec.ID,
		"overall_pass": overallPass,
		"duration":     duration.Milliseconds(),
		"result":       e.Result,
		"steps":        stepsWire(steps),
		"error":        e.Error,
	})
	w.publishStatus()
	w.logger.Info("sequence finished",
		slog.String("execution_id", exec.ID),
		slog.String("status", status),
		slog.Bool("overall_pass", overallPass))
}

// sendInput forwards an operator's answer to the sequence child's stdin.
func (w *Worker) sendInput(cmd ipc.Command) ipc.Response {
	id, _ := cmd.Params["request_id"].(string)
	if id == "" {
		id, _ = cmd.Params["id"].(string)
	}
	if id == "" {
		return errorResponse(&stationerrors.ValidationError{Field: "request_id", Message: "request_id is required"})
	}

	w.mu.Lock()
	proc := w.proc
	running := w.execStat == ExecRunning
	w.mu.Unlock()
	if !running || proc == nil {
		return errorResponse(&stationerrors.NotRunningError{BatchID: w.cfg.ID})
	}

	if err := proc.SendInput(id, cmd.Params["value"]); err != nil {
		return errorResponse(&stationerrors.WorkerError{
			BatchID: w.cfg.ID, Code: "INPUT", Message: "input answer write failed", Cause: err,
		})
	}
	return ipc.Response{Status: ipc.StatusOK}
}

// stopSequence handles STOP_SEQUENCE: stop the child, cancel the MES
// session, and discard the execution (it is not saved as last run).
func (w *Worker) stopSequence(cmd ipc.Command) ipc.Response {
	w.mu.Lock()
	if w.execStat != ExecRunning && w.execStat != ExecStarting {
		w.mu.Unlock()
		return ipc.Response{Status: ipc.StatusOK, Message: "no sequence running"}
	}
	exec := w.exec
	proc := w.proc
	if exec != nil {
		exec.Cancelled = true
	}
	w.execStat = ExecStopping
	w.mu.Unlock()

	if proc != nil {
		proc.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if w.client != nil {
		if err := w.client.CloseSession(ctx, backend.SessionCancelled); err != nil {
			w.logger.Warn("session cancel failed", slog.Any("error", err))
		}
	}
	if exec != nil {
		if err := w.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecutionStopped); err != nil {
			w.logger.Warn("failed to mark execution stopped", slog.Any("error", err))
		}
	}

	w.mu.Lock()
	w.exec = nil
	w.proc = nil
	w.execStat = ExecIdle
	w.phase = PhaseReady
	w.mu.Unlock()

	w.publishStatus()
	w.logger.Info("sequence stopped by command")
	return ipc.Response{Status: ipc.StatusOK}
}

func (w *Worker) publishStatus() {
	w.publish(ipc.EvtStatusUpdate, w.statusSnapshot())
}

// mergeParams layers manifest defaults, batch parameters, and command
// parameters, later layers winning.
func mergeParams(layers ...map[string]any) map[string]any {
	merged := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	// MES routing fields travel separately, not as sequence parameters.
	for _, k := range []string{"wip_id", "wip_int_id", "process_id", "operator_id", "equipment_id", "header_id"} {
		delete(merged, k)
	}
	return merged
}

func mergeHardware(base, override map[string]map[string]any) map[string]map[string]any {
	merged := make(map[string]map[string]any)
	for device, settings := range base {
		copied := make(map[string]any, len(settings))
		for k, v := range settings {
			copied[k] = v
		}
		merged[device] = copied
	}
	for device, settings := range override {
		if _, ok := merged[device]; !ok {
			merged[device] = make(map[string]any, len(settings))
		}
		for k, v := range settings {
			merged[device][k] = v
		}
	}
	return merged
}

// stepsWire serializes step results into the per-step event shape.
func stepsWire(steps []store.StepResult) []map[string]any {
	out := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		m := map[string]any{
			"step":     s.Name,
			"index":    s.StepOrder,
			"duration": s.Duration.Milliseconds(),
			"pass":     s.Pass,
			"result":   s.Payload,
		}
		if s.Error != "" {
			m["error"] = s.Error
		}
		out = append(out, m)
	}
	return out
}

// shortID returns the compact execution id form.
func shortID() string {
	return uuid.NewString()[:8]
}
