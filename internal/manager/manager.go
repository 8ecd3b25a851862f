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

// Package manager supervises batch worker processes: spawn, liveness
// monitoring, command routing, and stop escalation.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/metrics"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

const (
	// workerReadyTimeout bounds worker startup (spawn to IPC registration).
	workerReadyTimeout = 10 * time.Second
	// slowStartThreshold triggers a slow-initialization log.
	slowStartThreshold = 3 * time.Second
	// monitorInterval is the liveness poll period.
	monitorInterval = time.Second
	// statusTimeout bounds the GET_STATUS round trip.
	statusTimeout = 2 * time.Second
	// stopGraceTimeout is how long SHUTDOWN may take before SIGTERM.
	stopGraceTimeout = 5 * time.Second
	// termTimeout is how long SIGTERM may take before SIGKILL.
	termTimeout = 3 * time.Second
)

// Batch statuses reported by GetBatchStatus.
const (
	StatusStopped  = "STOPPED"
	StatusStarting = "STARTING"
	StatusRunning  = "RUNNING"
)

// EmitFunc forwards manager lifecycle events to the event router.
type EmitFunc func(eventType, batchID string, data map[string]any)

// Lifecycle event types emitted by the manager.
const (
	EvtBatchStarted = "BATCH_STARTED"
	EvtBatchStopped = "BATCH_STOPPED"
	EvtBatchCrashed = "BATCH_CRASHED"
)

// TokenEnvFunc returns extra environment variables carrying the operator
// token snapshot handed to workers at spawn.
type TokenEnvFunc func() []string

// handle is the runtime state of one live batch worker process.
type handle struct {
	batchID   string
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time

	exited   chan struct{}
	exitCode int
}

// alive reports whether the child process is still running.
func (h *handle) alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Manager owns the set of live batches. One per manager process.
type Manager struct {
	cfg          *config.Config
	configPath   string
	workerBin    string
	ipc          *ipc.Server
	emit         EmitFunc
	tokenEnv     TokenEnvFunc
	logger       *slog.Logger
	readyTimeout time.Duration

	mu      sync.Mutex
	batches map[string]*handle

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Manager.
type Options struct {
	Config     *config.Config
	ConfigPath string
	// WorkerBin is the stationd-worker executable path.
	WorkerBin string
	IPC       *ipc.Server
	Emit      EmitFunc
	TokenEnv  TokenEnvFunc
	Logger    *slog.Logger
	// ReadyTimeout overrides how long StartBatch waits for worker
	// registration. Zero means the default.
	ReadyTimeout time.Duration
}

// New creates a batch manager and starts its monitor loop.
func New(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := opts.Emit
	if emit == nil {
		emit = func(string, string, map[string]any) {}
	}

	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = workerReadyTimeout
	}

	m := &Manager{
		cfg:          opts.Config,
		configPath:   opts.ConfigPath,
		workerBin:    opts.WorkerBin,
		ipc:          opts.IPC,
		emit:         emit,
		tokenEnv:     opts.TokenEnv,
		logger:       logger.With(slog.String("component", "manager")),
		readyTimeout: readyTimeout,
		batches:      make(map[string]*handle),
	}

	var ctx context.Context
	ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.monitorLoop(ctx)
	return m
}

// Close stops the monitor loop and every running batch.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()

	for _, batchID := range m.runningIDs() {
		if err := m.StopBatch(context.Background(), batchID); err != nil {
			m.logger.Warn("stop during shutdown failed",
				slog.String("batch_id", batchID), slog.Any("error", err))
		}
	}
}

// RunningCount returns the number of live batches.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// IsRunning reports whether a batch has a live worker.
func (m *Manager) IsRunning(batchID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.batches[batchID]
	return ok
}

func (m *Manager) runningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.batches))
	for id := range m.batches {
		ids = append(ids, id)
	}
	return ids
}

// StartAutoBatches starts every batch configured with auto_start.
func (m *Manager) StartAutoBatches(ctx context.Context) {
	for _, batch := range m.cfg.BatchList() {
		if !batch.AutoStart {
			continue
		}
		if err := m.StartBatch(ctx, batch.ID); err != nil {
			m.logger.Error("auto start failed",
				slog.String("batch_id", batch.ID), slog.Any("error", err))
		}
	}
}

// StartBatch spawns a worker process for a configured batch and waits
// for it to register with the IPC server.
func (m *Manager) StartBatch(ctx context.Context, batchID string) error {
	batch := m.cfg.Batch(batchID)
	if batch == nil {
		return &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}

	m.mu.Lock()
	if _, running := m.batches[batchID]; running {
		m.mu.Unlock()
		return &stationerrors.AlreadyRunningError{BatchID: batchID}
	}
	m.mu.Unlock()

	// A stale identity from a previous failed start would swallow the new
	// worker's registration.
	if m.ipc.IsWorkerConnected(batchID) {
		m.logger.Warn("clearing stale worker identity", slog.String("batch_id", batchID))
		m.ipc.Unregister(batchID)
	}

	h, err := m.spawn(batchID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.batches[batchID] = h
	m.mu.Unlock()

	started := time.Now()
	if err := m.ipc.WaitForWorker(ctx, batchID, m.readyTimeout, 0); err != nil {
		m.logger.Error("worker never registered, killing it",
			slog.String("batch_id", batchID), slog.Int("pid", h.pid))
		m.removeHandle(batchID)
		h.cmd.Process.Kill()
		<-h.exited
		m.ipc.Unregister(batchID)
		return err
	}
	if elapsed := time.Since(started); elapsed > slowStartThreshold {
		m.logger.Warn("worker initialization was slow",
			slog.String("batch_id", batchID), slog.Duration("elapsed", elapsed))
	}

	metrics.SetBatchesRunning(m.RunningCount())
	m.emit(EvtBatchStarted, batchID, map[string]any{"pid": h.pid})
	m.logger.Info("batch started", slog.String("batch_id", batchID), slog.Int("pid", h.pid))
	return nil
}

// spawn forks the worker binary for one batch, wiring its output to a
// per-batch log file.
func (m *Manager) spawn(batchID string) (*handle, error) {
	logsDir := filepath.Join(m.cfg.Paths.DataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return nil, &stationerrors.WorkerError{BatchID: batchID, Code: "SPAWN", Message: "create logs dir", Cause: err}
	}
	logFile, err := os.OpenFile(filepath.Join(logsDir, "worker_"+batchID+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &stationerrors.WorkerError{BatchID: batchID, Code: "SPAWN", Message: "open worker log", Cause: err}
	}

	cmd := exec.Command(m.workerBin, "--batch-id", batchID, "--config", m.configPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()
	if m.tokenEnv != nil {
		cmd.Env = append(cmd.Env, m.tokenEnv()...)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, &stationerrors.WorkerError{BatchID: batchID, Code: "SPAWN", Message: "start worker process", Cause: err}
	}

	h := &handle{
		batchID:   batchID,
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		exited:    make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		h.exitCode = exitCode(err)
		logFile.Close()
		close(h.exited)
	}()
	return h, nil
}

// StopBatch stops a running batch: best-effort SHUTDOWN command, then
// graceful join, then SIGTERM, then SIGKILL.
func (m *Manager) StopBatch(ctx context.Context, batchID string) error {
	h := m.removeHandle(batchID)
	if h == nil {
		return &stationerrors.NotRunningError{BatchID: batchID}
	}

	if m.ipc.IsWorkerConnected(batchID) {
		if _, err := m.ipc.SendCommand(ctx, batchID, ipc.Command{Type: ipc.CmdShutdown}, stopGraceTimeout); err != nil {
			m.logger.Debug("shutdown command failed, escalating",
				slog.String("batch_id", batchID), slog.Any("error", err))
		}
	}
	m.killHandle(h)
	m.ipc.Unregister(batchID)

	metrics.SetBatchesRunning(m.RunningCount())
	m.emit(EvtBatchStopped, batchID, nil)
	m.logger.Info("batch stopped", slog.String("batch_id", batchID))
	return nil
}

// RestartBatch stops and restarts a batch.
func (m *Manager) RestartBatch(ctx context.Context, batchID string) error {
	if err := m.StopBatch(ctx, batchID); err != nil {
		var notRunning *stationerrors.NotRunningError
		if !errors.As(err, &notRunning) {
			return err
		}
	}
	return m.StartBatch(ctx, batchID)
}

// killHandle waits for a graceful exit and escalates to signals.
func (m *Manager) killHandle(h *handle) {
	select {
	case <-h.exited:
		return
	case <-time.After(stopGraceTimeout):
	}

	m.logger.Warn("worker ignored shutdown, sending SIGTERM",
		slog.String("batch_id", h.batchID), slog.Int("pid", h.pid))
	h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.exited:
		return
	case <-time.After(termTimeout):
	}

	m.logger.Error("worker ignored SIGTERM, killing",
		slog.String("batch_id", h.batchID), slog.Int("pid", h.pid))
	h.cmd.Process.Kill()
	<-h.exited
}

// removeHandle pops a handle from the runtime map; nil when absent.
func (m *Manager) removeHandle(batchID string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.batches[batchID]
	delete(m.batches, batchID)
	return h
}

// SendCommand routes one command to a running batch's worker.
func (m *Manager) SendCommand(ctx context.Context, batchID string, cmd ipc.Command, timeout time.Duration) (*ipc.Response, error) {
	if !m.IsRunning(batchID) {
		return nil, &stationerrors.NotRunningError{BatchID: batchID}
	}
	if !m.ipc.IsWorkerConnected(batchID) {
		if err := m.ipc.WaitForWorker(ctx, batchID, m.readyTimeout, 0); err != nil {
			return nil, err
		}
	}
	return m.ipc.SendCommand(ctx, batchID, cmd, timeout)
}

// GetBatchStatus assembles the status record for one batch, merging the
// worker's own composite status when it is reachable.
func (m *Manager) GetBatchStatus(ctx context.Context, batchID string) (map[string]any, error) {
	batch := m.cfg.Batch(batchID)
	if batch == nil {
		return nil, &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}

	status := map[string]any{
		"batch_id":         batch.ID,
		"name":             batch.Name,
		"sequence_package": batch.SequencePackage,
		"slot_id":          batch.SlotID,
		"parameters":       batch.Parameters,
		"status":           StatusStopped,
	}

	m.mu.Lock()
	h, running := m.batches[batchID]
	m.mu.Unlock()
	if !running {
		return status, nil
	}
	status["pid"] = h.pid
	status["started_at"] = h.startedAt.UTC().Format(time.RFC3339)

	if !m.ipc.IsWorkerConnected(batchID) {
		// Spawned but not yet registered.
		status["status"] = StatusStarting
		return status, nil
	}

	status["status"] = StatusRunning
	resp, err := m.ipc.SendCommand(ctx, batchID, ipc.Command{Type: ipc.CmdGetStatus}, statusTimeout)
	if err != nil {
		m.logger.Warn("status query failed",
			slog.String("batch_id", batchID), slog.Any("error", err))
		status["worker_error"] = err.Error()
		return status, nil
	}
	status["worker"] = resp.Data
	return status, nil
}

// GetAllBatchStatuses returns the status of every configured batch. The
// batch set is snapshotted up front; a definition created or deleted
// mid-iteration shows up on the next call.
func (m *Manager) GetAllBatchStatuses(ctx context.Context) map[string]map[string]any {
	batches := m.cfg.BatchList()
	statuses := make(map[string]map[string]any, len(batches))
	for _, batch := range batches {
		status, err := m.GetBatchStatus(ctx, batch.ID)
		if err != nil {
			status = map[string]any{"batch_id": batch.ID, "status": StatusStopped, "error": err.Error()}
		}
		statuses[batch.ID] = status
	}
	return statuses
}

// monitorLoop reaps crashed workers. It races operator-initiated stop;
// pop and unregister are both safe on missing keys, so either side can
// win.
func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapCrashed()
		}
	}
}

func (m *Manager) reapCrashed() {
	m.mu.Lock()
	var dead []*handle
	for batchID, h := range m.batches {
		if !h.alive() {
			dead = append(dead, h)
			delete(m.batches, batchID)
		}
	}
	m.mu.Unlock()

	for _, h := range dead {
		m.ipc.Unregister(h.batchID)
		m.logger.Error("batch worker crashed",
			slog.String("batch_id", h.batchID),
			slog.Int("pid", h.pid),
			slog.Int("exit_code", h.exitCode))
		m.emit(EvtBatchCrashed, h.batchID, map[string]any{
			"pid":       h.pid,
			"exit_code": h.exitCode,
		})
	}
	if len(dead) > 0 {
		metrics.SetBatchesRunning(m.RunningCount())
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
