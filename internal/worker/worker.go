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

// Package worker hosts one batch in a dedicated child process. It owns
// the batch's execution state machine, the sequence subprocess, the MES
// integration, and the per-batch store, and talks to the manager over
// IPC.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mfgkit/stationd/internal/backend"
	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/runner"
	"github.com/mfgkit/stationd/internal/sequence"
	"github.com/mfgkit/stationd/internal/store"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Worker lifecycle phases.
const (
	PhaseInitializing = "INITIALIZING"
	PhaseReady        = "READY"
	PhaseRunning      = "RUNNING"
	PhaseStopping     = "STOPPING"
	PhaseStopped      = "STOPPED"
	PhaseError        = "ERROR"
)

// Execution statuses within a READY/RUNNING worker.
const (
	ExecIdle      = "IDLE"
	ExecStarting  = "STARTING"
	ExecRunning   = "RUNNING"
	ExecStopping  = "STOPPING"
	ExecCompleted = "COMPLETED"
	ExecError     = "ERROR"
)

// mesContext is the MES tuple bound to one execution.
type mesContext struct {
	WIPID      string
	WIPIntID   int
	ProcessID  int
	OperatorID int
	StartedAt  time.Time
}

// executionState is the in-memory record of the current execution.
type executionState struct {
	ID           string
	SequenceName string
	Version      string
	StartedAt    time.Time
	CurrentStep  string
	StepIndex    int
	TotalSteps   int
	Progress     float64
	StepNames    []string
	Steps        []store.StepResult
	Defects      []string
	Measurements map[string]any
	Parameters   map[string]any
	MES          *mesContext
	Cancelled    bool

	// startDone closes once the start transaction has fully committed;
	// completion handling waits for it so a fast child cannot race the
	// state bookkeeping.
	startDone chan struct{}
}

// Worker is the per-batch supervised process body.
type Worker struct {
	stationCfg *config.Config
	cfg        *config.BatchConfig
	logger     *slog.Logger

	ipc     *ipc.Client
	client  *backend.Client // nil in pure-local mode
	store   *store.Store    // per-batch results
	station *store.Store    // station-wide sync queue
	loader  *sequence.Loader

	mu       sync.Mutex
	phase    string
	execStat string
	exec     *executionState
	lastRun  *store.Execution
	depErr   string
	proc     *runner.Process
	drivers  map[string]Driver
	counters struct {
		total, passed, failed int
	}

	scanner  *barcodeScanner
	shutdown chan struct{}
	once     sync.Once
}

// New creates a worker for one configured batch.
func New(stationCfg *config.Config, batchID string, logger *slog.Logger) (*Worker, error) {
	batch := stationCfg.Batch(batchID)
	if batch == nil {
		return nil, &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		stationCfg: stationCfg,
		cfg:        batch,
		logger:     logger.With(slog.String("batch_id", batchID)),
		phase:      PhaseInitializing,
		execStat:   ExecIdle,
		shutdown:   make(chan struct{}),
	}, nil
}

// Run initializes the worker and serves IPC commands until shutdown.
// All cleanup paths close the process session and tear down resources.
func (w *Worker) Run(ctx context.Context) error {
	defer w.cleanup()

	if err := w.initialize(ctx); err != nil {
		w.setPhase(PhaseError)
		return err
	}
	w.setPhase(PhaseReady)
	w.logger.Info("worker ready", slog.String("sequence_package", w.cfg.SequencePackage))

	// SIGTERM/SIGINT trigger the same close-on-cleanup path as SHUTDOWN.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			w.logger.Info("signal received, shutting down", slog.String("signal", sig.String()))
			w.requestShutdown()
		case <-ctx.Done():
			w.requestShutdown()
		case <-w.shutdown:
		}
	}()

	commandsDone := make(chan struct{})
	go func() {
		w.ipc.Run(w.handleCommand)
		close(commandsDone)
	}()

	select {
	case <-w.shutdown:
	case <-commandsDone:
		// Manager side went away; exit through the same path.
		w.logger.Warn("command stream closed")
		w.requestShutdown()
	}
	return nil
}

func (w *Worker) initialize(ctx context.Context) error {
	dataDir := w.stationCfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return &stationerrors.WorkerError{BatchID: w.cfg.ID, Code: "INIT", Message: "create data dir", Cause: err}
	}

	var err error
	w.store, err = store.Open(ctx, store.BatchDBPath(dataDir, w.cfg.ID))
	if err != nil {
		return err
	}
	w.station, err = store.Open(ctx, store.StationDBPath(dataDir))
	if err != nil {
		return err
	}

	// Last-run state survives worker restarts through the store.
	if last, err := w.store.GetLastCompletedExecution(ctx, w.cfg.ID); err == nil {
		w.lastRun = last
	} else if !stationerrors.IsNotFound(err) {
		w.logger.Warn("could not load last execution", slog.Any("error", err))
	}

	w.loader, err = sequence.NewLoader(w.stationCfg.Paths.SequencesDir, w.logger)
	if err != nil {
		return err
	}
	// A missing package is a dependency error: the worker still comes up
	// so it can report status, but START_SEQUENCE is refused.
	if _, err := w.loader.Load(w.cfg.SequencePackage); err != nil {
		w.depErr = err.Error()
		w.logger.Error("sequence package unavailable", slog.Any("error", err))
	}

	if url := w.stationCfg.Backend.URL; url != "" {
		w.client, err = backend.NewClient(backend.Options{
			BaseURL:   url,
			APIKey:    w.stationCfg.Backend.APIKey,
			StationID: w.stationCfg.Backend.StationID,
			Timeout:   w.stationCfg.Backend.Timeout,
			Logger:    w.logger,
		})
		if err != nil {
			return err
		}
		if access := os.Getenv("STATIOND_ACCESS_TOKEN"); access != "" {
			// Token snapshot handed down by the manager at spawn.
			w.client.Tokens().SetTokens(access, os.Getenv("STATIOND_REFRESH_TOKEN"), 0,
				0, "", os.Getenv("STATIOND_STATION_API_KEY"))
		}
	}

	w.drivers, err = connectDrivers(ctx, w.cfg.Hardware, w.logger)
	if err != nil {
		// Hardware trouble is a dependency error, not a fatal one.
		w.depErr = err.Error()
		w.logger.Error("hardware bring-up failed", slog.Any("error", err))
		w.drivers = map[string]Driver{}
	}

	if w.cfg.BarcodeScanner != nil && w.cfg.BarcodeScanner.Port != "" {
		w.scanner, err = startBarcodeScanner(w.cfg.BarcodeScanner, w.onBarcode, w.logger)
		if err != nil {
			w.logger.Warn("barcode scanner unavailable", slog.Any("error", err))
		}
	}

	w.ipc = ipc.NewClient(w.cfg.ID, w.logger)
	routerAddr, subAddr := w.ipcAddrs()
	if err := w.ipc.Connect(ctx, routerAddr, subAddr); err != nil {
		return err
	}
	return nil
}

func (w *Worker) ipcAddrs() (string, string) {
	router := w.stationCfg.IPC.RouterPort
	sub := w.stationCfg.IPC.SubPort
	if router == 0 {
		router = ipc.DefaultRouterPort
	}
	if sub == 0 {
		sub = ipc.DefaultSubPort
	}
	return addrFor(router), addrFor(sub)
}

func addrFor(port int) string {
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

// requestShutdown transitions toward exit exactly once.
func (w *Worker) requestShutdown() {
	w.once.Do(func() {
		w.setPhase(PhaseStopping)
		close(w.shutdown)
	})
}

// cleanup tears everything down. Runs on every exit path: the process
// session is closed unconditionally, then the sequence child, drivers,
// stores, and IPC.
func (w *Worker) cleanup() {
	w.mu.Lock()
	proc := w.proc
	w.proc = nil
	drivers := w.drivers
	w.drivers = nil
	w.mu.Unlock()

	if proc != nil && proc.Alive() {
		proc.Stop()
	}

	if w.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.client.CloseSession(ctx, backend.SessionCancelled); err != nil {
			w.logger.Warn("session close failed during cleanup", slog.Any("error", err))
		}
		cancel()
		w.client.Close()
	}

	disconnectDrivers(drivers, w.logger)

	if w.scanner != nil {
		w.scanner.Close()
	}
	if w.store != nil {
		w.store.Close()
	}
	if w.station != nil {
		w.station.Close()
	}
	if w.ipc != nil {
		w.ipc.Close()
	}

	w.setPhase(PhaseStopped)
	w.logger.Info("worker stopped")
}

func (w *Worker) setPhase(phase string) {
	w.mu.Lock()
	w.phase = phase
	w.mu.Unlock()
}

// publish sends an event to the manager, logging failures.
func (w *Worker) publish(eventType string, data map[string]any) {
	if err := w.ipc.PublishEvent(eventType, data); err != nil {
		w.logger.Warn("event publish failed",
			slog.String("type", eventType), slog.Any("error", err))
	}
}

// onBarcode handles one scan: always announced, and in barcode workflow
// mode it can kick off a sequence with the scanned WIP id.
func (w *Worker) onBarcode(code string) {
	w.publish(ipc.EvtBarcodeScanned, map[string]any{"barcode": code})

	wf := w.stationCfg.Workflow
	if !wf.Enabled || wf.InputMode != "barcode" || !wf.AutoSequenceStart {
		return
	}

	params := map[string]any{"wip_id": code}
	if wf.DefaultOperatorID != 0 {
		params["operator_id"] = wf.DefaultOperatorID
	}
	if resp := w.startSequence(ipc.Command{Type: ipc.CmdStartSequence, Params: params}); resp.Status != ipc.StatusOK {
		w.publish(ipc.EvtError, map[string]any{
			"message": "auto start after scan failed: " + resp.Message,
			"code":    resp.ErrorCode,
		})
	}
}

// statusSnapshot builds the composite status reply for GET_STATUS.
func (w *Worker) statusSnapshot() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()

	snapshot := map[string]any{
		"phase":            w.phase,
		"execution_status": w.execStat,
		"batch_id":         w.cfg.ID,
		"sequence_package": w.cfg.SequencePackage,
		"counters": map[string]any{
			"total":  w.counters.total,
			"passed": w.counters.passed,
			"failed": w.counters.failed,
		},
	}
	if w.depErr != "" {
		snapshot["dependency_error"] = w.depErr
	}
	if w.client != nil {
		snapshot["backend"] = map[string]any{
			"station_id": w.stationCfg.Backend.StationID,
			"session_id": w.client.SessionID(),
		}
	}

	if e := w.exec; e != nil {
		current := map[string]any{
			"execution_id": e.ID,
			"started_at":   e.StartedAt.UTC().Format(time.RFC3339),
			"step":         e.CurrentStep,
			"step_index":   e.StepIndex,
			"total_steps":  e.TotalSteps,
			"progress":     e.Progress,
			"step_names":   e.StepNames,
		}
		if e.MES != nil {
			current["wip_id"] = e.MES.WIPID
			current["process_id"] = e.MES.ProcessID
		}
		snapshot["current_execution"] = current
	}
	if w.lastRun != nil {
		last := map[string]any{
			"execution_id": w.lastRun.ExecutionID,
			"status":       w.lastRun.Status,
			"started_at":   w.lastRun.StartedAt.UTC().Format(time.RFC3339),
		}
		if w.lastRun.OverallPass != nil {
			last["overall_pass"] = *w.lastRun.OverallPass
		}
		last["steps"] = stepsWire(w.lastRun.Steps)
		snapshot["last_run"] = last
	}
	return snapshot
}
