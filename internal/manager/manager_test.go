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

package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/ipc"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

var testPort atomic.Int64

func init() {
	testPort.Store(20550)
}

func nextPorts() (int, int) {
	base := int(testPort.Add(2))
	return base, base + 1
}

// emittedEvent captures one manager lifecycle event.
type emittedEvent struct {
	Type    string
	BatchID string
	Data    map[string]any
}

type eventSink struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (s *eventSink) emit(eventType, batchID string, data map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, emittedEvent{Type: eventType, BatchID: batchID, Data: data})
}

func (s *eventSink) wait(t *testing.T, eventType string) emittedEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, e := range s.events {
			if e.Type == eventType {
				s.mu.Unlock()
				return e
			}
		}
		s.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("event %s never emitted", eventType)
	return emittedEvent{}
}

// writeScript drops an executable shell script acting as the worker binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stationd-worker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// idleScript stays alive until signaled.
const idleScript = `trap 'exit 0' TERM INT
while :; do sleep 0.1; done`

type harness struct {
	mgr  *Manager
	srv  *ipc.Server
	sink *eventSink
	cfg  *config.Config
}

func newHarness(t *testing.T, workerBin string) *harness {
	t.Helper()

	routerPort, subPort := nextPorts()
	srv := ipc.NewServer(routerPort, subPort, nil)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	cfg.IPC = config.IPCConfig{RouterPort: routerPort, SubPort: subPort}
	cfg.Batches = []*config.BatchConfig{
		{ID: "b1", Name: "Batch 1", SequencePackage: "demo", SlotID: 1},
	}

	sink := &eventSink{}
	mgr := New(Options{
		Config:       cfg,
		ConfigPath:   filepath.Join(cfg.Paths.DataDir, "station.yaml"),
		WorkerBin:    workerBin,
		IPC:          srv,
		Emit:         sink.emit,
		ReadyTimeout: 3 * time.Second,
	})
	t.Cleanup(mgr.Close)

	return &harness{mgr: mgr, srv: srv, sink: sink, cfg: cfg}
}

// registerFakeWorker connects an in-process IPC client under the batch id
// so StartBatch sees a registered worker. The handler answers commands.
func (h *harness) registerFakeWorker(t *testing.T, batchID string, handler func(c *ipc.Client, cmd ipc.Command)) *ipc.Client {
	t.Helper()
	client := ipc.NewClient(batchID, nil)
	require.NoError(t, client.Connect(context.Background(), h.srv.RouterAddr(), h.srv.SubAddr()))
	t.Cleanup(client.Close)
	go client.Run(func(cmd ipc.Command) { handler(client, cmd) })
	return client
}

func okHandler(c *ipc.Client, cmd ipc.Command) {
	c.SendResponse(ipc.Response{RequestID: cmd.RequestID, Status: ipc.StatusOK})
}

func TestStartBatchLifecycle(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))
	h.registerFakeWorker(t, "b1", okHandler)

	require.NoError(t, h.mgr.StartBatch(context.Background(), "b1"))
	assert.True(t, h.mgr.IsRunning("b1"))
	assert.Equal(t, 1, h.mgr.RunningCount())

	started := h.sink.wait(t, EvtBatchStarted)
	assert.Equal(t, "b1", started.BatchID)
	assert.NotZero(t, started.Data["pid"])

	// Second start is rejected while running.
	err := h.mgr.StartBatch(context.Background(), "b1")
	var already *stationerrors.AlreadyRunningError
	require.ErrorAs(t, err, &already)

	require.NoError(t, h.mgr.StopBatch(context.Background(), "b1"))
	assert.False(t, h.mgr.IsRunning("b1"))
	h.sink.wait(t, EvtBatchStopped)
}

func TestStartBatchUnknownID(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))

	err := h.mgr.StartBatch(context.Background(), "nope")
	var notFound *stationerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "batch", notFound.Resource)
}

func TestStartBatchTimeoutKillsProcess(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))

	// No fake worker registers, so the ready wait must expire.
	err := h.mgr.StartBatch(context.Background(), "b1")
	require.Error(t, err)
	assert.False(t, h.mgr.IsRunning("b1"))
	assert.False(t, h.srv.IsWorkerConnected("b1"))
}

func TestStopBatchNotRunning(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))

	err := h.mgr.StopBatch(context.Background(), "b1")
	var notRunning *stationerrors.NotRunningError
	require.ErrorAs(t, err, &notRunning)
}

func TestCrashDetection(t *testing.T) {
	h := newHarness(t, writeScript(t, "sleep 0.3\nexit 7"))
	h.registerFakeWorker(t, "b1", okHandler)

	require.NoError(t, h.mgr.StartBatch(context.Background(), "b1"))

	crashed := h.sink.wait(t, EvtBatchCrashed)
	assert.Equal(t, "b1", crashed.BatchID)
	assert.Equal(t, 7, crashed.Data["exit_code"])
	assert.False(t, h.mgr.IsRunning("b1"))
	assert.False(t, h.srv.IsWorkerConnected("b1"))
}

func TestSendCommandRoutesToWorker(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))
	h.registerFakeWorker(t, "b1", func(c *ipc.Client, cmd ipc.Command) {
		c.SendResponse(ipc.Response{
			RequestID: cmd.RequestID,
			Status:    ipc.StatusOK,
			Data:      map[string]any{"echo": cmd.Type},
		})
	})

	require.NoError(t, h.mgr.StartBatch(context.Background(), "b1"))

	resp, err := h.mgr.SendCommand(context.Background(), "b1", ipc.Command{Type: ipc.CmdPing}, 2*time.Second)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, ipc.CmdPing, resp.Data["echo"])

	_, err = h.mgr.SendCommand(context.Background(), "b2", ipc.Command{Type: ipc.CmdPing}, time.Second)
	var notRunning *stationerrors.NotRunningError
	require.ErrorAs(t, err, &notRunning)
}

func TestGetBatchStatusStates(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))

	// Stopped: config only.
	status, err := h.mgr.GetBatchStatus(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, status["status"])
	assert.Equal(t, "demo", status["sequence_package"])

	h.registerFakeWorker(t, "b1", func(c *ipc.Client, cmd ipc.Command) {
		c.SendResponse(ipc.Response{
			RequestID: cmd.RequestID,
			Status:    ipc.StatusOK,
			Data:      map[string]any{"phase": "READY"},
		})
	})
	require.NoError(t, h.mgr.StartBatch(context.Background(), "b1"))

	status, err = h.mgr.GetBatchStatus(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status["status"])
	worker, ok := status["worker"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "READY", worker["phase"])

	all := h.mgr.GetAllBatchStatuses(context.Background())
	require.Contains(t, all, "b1")
	assert.Equal(t, StatusRunning, all["b1"]["status"])

	_, err = h.mgr.GetBatchStatus(context.Background(), "missing")
	var notFound *stationerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStopEscalatesToSignals(t *testing.T) {
	// Worker acknowledges SHUTDOWN but never exits on its own; the
	// manager must escalate to SIGTERM.
	h := newHarness(t, writeScript(t, idleScript))
	h.registerFakeWorker(t, "b1", okHandler)

	require.NoError(t, h.mgr.StartBatch(context.Background(), "b1"))

	done := make(chan error, 1)
	go func() { done <- h.mgr.StopBatch(context.Background(), "b1") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("stop never finished")
	}
	assert.False(t, h.mgr.IsRunning("b1"))
}

func TestStartAutoBatches(t *testing.T) {
	h := newHarness(t, writeScript(t, idleScript))
	h.cfg.Batches[0].AutoStart = true
	h.registerFakeWorker(t, "b1", okHandler)

	h.mgr.StartAutoBatches(context.Background())
	assert.True(t, h.mgr.IsRunning("b1"))
}
