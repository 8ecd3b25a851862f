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
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/store"
)

var testPort atomic.Int32

func init() {
	testPort.Store(19550)
}

const happyScript = `
echo '{"type":"step_start","step":"power_on","index":0,"total":2}'
echo '{"type":"step_complete","step":"power_on","index":0,"status":"completed","pass":true,"duration_ms":5}'
echo '{"type":"step_start","step":"measure","index":1,"total":2}'
echo '{"type":"measurement","name":"voltage","value":3.3,"unit":"V","pass":true}'
echo '{"type":"step_complete","step":"measure","index":1,"status":"completed","pass":true,"duration_ms":5}'
echo '{"type":"sequence_complete","overall_pass":true}'
exit 0
`

const manifestYAML = `
name: demo
version: "1.0.0"
steps:
  - name: power_on
  - name: measure
`

type harness struct {
	srv    *ipc.Server
	cfg    *config.Config
	events chan ipc.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// newHarness builds a full worker wired to a live IPC server, a fake
// interpreter script, and temp data/sequences dirs.
func newHarness(t *testing.T, backendURL, script string) *harness {
	t.Helper()

	root := t.TempDir()
	seqDir := filepath.Join(root, "sequences")
	require.NoError(t, os.MkdirAll(filepath.Join(seqDir, "demo"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(seqDir, "demo", "manifest.yaml"), []byte(manifestYAML), 0o644))

	bin := filepath.Join(root, "fake-python")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755))

	routerPort := int(testPort.Add(2))
	cfg := config.Default()
	cfg.Station.ID = "ST-01"
	cfg.Backend.URL = backendURL
	cfg.Backend.StationID = "ST-01"
	cfg.Backend.Timeout = 2 * time.Second
	cfg.Paths = config.PathsConfig{
		SequencesDir: seqDir,
		DataDir:      filepath.Join(root, "data"),
		Interpreter:  bin,
	}
	cfg.IPC = config.IPCConfig{RouterPort: routerPort, SubPort: routerPort + 1}
	cfg.Batches = []*config.BatchConfig{{
		ID:              "b1",
		Name:            "Batch 1",
		SequencePackage: "demo",
		SlotID:          1,
		ProcessID:       2,
		Hardware:        map[string]map[string]any{"relay": {"type": "noop"}},
	}}

	h := &harness{
		cfg:    cfg,
		events: make(chan ipc.Event, 128),
		done:   make(chan struct{}),
	}

	h.srv = ipc.NewServer(routerPort, routerPort+1, nil)
	h.srv.OnEvent(func(e ipc.Event) {
		select {
		case h.events <- e:
		default:
		}
	})
	require.NoError(t, h.srv.Start(context.Background()))
	t.Cleanup(h.srv.Close)

	w, err := New(cfg, "b1", nil)
	require.NoError(t, err)

	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() {
		defer close(h.done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		h.cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Log("worker did not shut down in time")
		}
	})

	require.NoError(t, h.srv.WaitForWorker(context.Background(), "b1", 10*time.Second, 50*time.Millisecond))
	return h
}

// waitEvent blocks until an event of the given type arrives.
func (h *harness) waitEvent(t *testing.T, eventType string, timeout time.Duration) ipc.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-h.events:
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("event %s not received within %v", eventType, timeout)
			return ipc.Event{}
		}
	}
}

func (h *harness) command(t *testing.T, cmd ipc.Command, timeout time.Duration) *ipc.Response {
	t.Helper()
	resp, err := h.srv.SendCommand(context.Background(), "b1", cmd, timeout)
	require.NoError(t, err)
	return resp
}

func TestLocalExecutionHappyPath(t *testing.T) {
	h := newHarness(t, "", happyScript)

	resp := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 30*time.Second)
	require.True(t, resp.OK(), "start failed: %s", resp.Message)
	execID, _ := resp.Data["execution_id"].(string)
	require.NotEmpty(t, execID)

	complete := h.waitEvent(t, ipc.EvtSequenceComplete, 10*time.Second)
	assert.Equal(t, true, complete.Data["overall_pass"])
	assert.Equal(t, execID, complete.Data["execution_id"])

	status := h.command(t, ipc.Command{Type: ipc.CmdGetStatus}, 5*time.Second)
	require.True(t, status.OK())
	assert.Equal(t, ExecIdle, status.Data["execution_status"])
	counters := status.Data["counters"].(map[string]any)
	assert.Equal(t, float64(1), counters["total"])
	assert.Equal(t, float64(1), counters["passed"])
	last := status.Data["last_run"].(map[string]any)
	assert.Equal(t, execID, last["execution_id"])

	// The execution and its steps survive in the batch store.
	st, err := store.Open(context.Background(), store.BatchDBPath(h.cfg.Paths.DataDir, "b1"))
	require.NoError(t, err)
	defer st.Close()
	persisted, err := st.GetExecutionWithSteps(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionCompleted, persisted.Status)
	require.NotNil(t, persisted.OverallPass)
	assert.True(t, *persisted.OverallPass)
	require.Len(t, persisted.Steps, 2)
	assert.Equal(t, "power_on", persisted.Steps[0].Name)
}

func TestMESRejectionKeepsWorkerIdle(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/wip-items/42/start-process" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error_code":"PREREQUISITE_NOT_MET","detail":"complete process 1 first"}`))
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	t.Setenv("STATIOND_ACCESS_TOKEN", "test-token")
	h := newHarness(t, backend.URL, happyScript)

	resp := h.command(t, ipc.Command{
		Type: ipc.CmdStartSequence,
		Params: map[string]any{
			"wip_id": "WIP-KR01PSA2511-001", "wip_int_id": 42,
			"process_id": 2, "operator_id": 5,
		},
	}, 30*time.Second)

	require.False(t, resp.OK())
	assert.Equal(t, "PREREQUISITE_NOT_MET", resp.ErrorCode)

	status := h.command(t, ipc.Command{Type: ipc.CmdGetStatus}, 5*time.Second)
	assert.Equal(t, ExecIdle, status.Data["execution_status"])

	// Hard rejections must never be queued for retry.
	st, err := store.Open(context.Background(), store.StationDBPath(h.cfg.Paths.DataDir))
	require.NoError(t, err)
	defer st.Close()
	pending, err := st.CountPending(context.Background(), store.MaxSyncRetries)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestOfflineStartEnqueuesBothTransitions(t *testing.T) {
	// A backend that is down from the start: connection refused is a
	// retryable failure, so the execution proceeds offline.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	t.Setenv("STATIOND_ACCESS_TOKEN", "test-token")
	h := newHarness(t, deadURL, happyScript)

	resp := h.command(t, ipc.Command{
		Type: ipc.CmdStartSequence,
		Params: map[string]any{
			"wip_id": "WIP-KR01PSA2511-001", "wip_int_id": 42,
			"process_id": 2, "operator_id": 5,
		},
	}, 30*time.Second)
	require.True(t, resp.OK(), "offline start must still succeed: %s", resp.Message)

	h.waitEvent(t, ipc.EvtSequenceComplete, 10*time.Second)

	st, err := store.Open(context.Background(), store.StationDBPath(h.cfg.Paths.DataDir))
	require.NoError(t, err)
	defer st.Close()

	require.Eventually(t, func() bool {
		items, err := st.GetPendingItems(context.Background(), 10, store.MaxSyncRetries)
		return err == nil && len(items) == 2
	}, 5*time.Second, 100*time.Millisecond, "start and complete must both be queued")

	items, err := st.GetPendingItems(context.Background(), 10, store.MaxSyncRetries)
	require.NoError(t, err)
	assert.Equal(t, store.ActionStartProcess, items[0].Action)
	assert.Equal(t, store.ActionCompleteProcess, items[1].Action)
	assert.Equal(t, float64(42), items[0].Payload["wip_int_id"])
}

func TestOperatorInputReachesChild(t *testing.T) {
	// Child only completes green when the stdin answer line matches the
	// input_response contract exactly.
	h := newHarness(t, "", `
echo '{"type":"input_request","id":"req-1","prompt":"confirm fixture","input_type":"confirm"}'
read line
case "$line" in
'{"type":"input_response","data":{"id":"req-1","value":"ok"}}')
  echo '{"type":"sequence_complete","overall_pass":true}' ;;
*)
  echo '{"type":"sequence_complete","overall_pass":false,"error":"unexpected stdin line"}' ;;
esac
exit 0
`)

	resp := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 30*time.Second)
	require.True(t, resp.OK(), resp.Message)

	req := h.waitEvent(t, ipc.EvtInputRequest, 10*time.Second)
	assert.Equal(t, "req-1", req.Data["id"])
	assert.Equal(t, "confirm fixture", req.Data["prompt"])
	assert.Equal(t, "confirm", req.Data["input_type"])

	answer := h.command(t, ipc.Command{
		Type:   ipc.CmdSendInput,
		Params: map[string]any{"request_id": "req-1", "value": "ok"},
	}, 10*time.Second)
	require.True(t, answer.OK(), answer.Message)

	complete := h.waitEvent(t, ipc.EvtSequenceComplete, 10*time.Second)
	assert.Equal(t, true, complete.Data["overall_pass"], "child rejected the answer: %v", complete.Data["error"])
}

func TestSendInputRejectedWhenIdle(t *testing.T) {
	h := newHarness(t, "", happyScript)

	resp := h.command(t, ipc.Command{
		Type:   ipc.CmdSendInput,
		Params: map[string]any{"request_id": "req-1", "value": "ok"},
	}, 10*time.Second)
	require.False(t, resp.OK())
	assert.Equal(t, "NOT_RUNNING", resp.ErrorCode)
}

func TestEventDataShapes(t *testing.T) {
	h := newHarness(t, "", `
echo '{"type":"step_start","step":"power_on","index":0,"total":2}'
echo '{"type":"step_complete","step":"power_on","index":0,"status":"completed","pass":true,"duration_ms":5,"payload":{"relay":"closed"}}'
echo '{"type":"step_start","step":"measure","index":1,"total":2}'
echo '{"type":"step_complete","step":"measure","index":1,"status":"completed","pass":true,"duration_ms":7}'
echo '{"type":"sequence_complete","overall_pass":true,"result":{"grade":"A"}}'
exit 0
`)

	resp := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 30*time.Second)
	require.True(t, resp.OK(), resp.Message)

	first := h.waitEvent(t, ipc.EvtStepStart, 10*time.Second)
	names, ok := first.Data["step_names"].([]any)
	require.True(t, ok, "first step carries the full step name list")
	assert.Equal(t, []any{"power_on", "measure"}, names)

	stepDone := h.waitEvent(t, ipc.EvtStepComplete, 10*time.Second)
	assert.Equal(t, float64(5), stepDone.Data["duration"])
	assert.Equal(t, true, stepDone.Data["pass"])
	result := stepDone.Data["result"].(map[string]any)
	assert.Equal(t, "closed", result["relay"])
	assert.NotContains(t, stepDone.Data, "duration_ms")

	second := h.waitEvent(t, ipc.EvtStepStart, 10*time.Second)
	assert.NotContains(t, second.Data, "step_names")

	complete := h.waitEvent(t, ipc.EvtSequenceComplete, 10*time.Second)
	finalResult := complete.Data["result"].(map[string]any)
	assert.Equal(t, "A", finalResult["grade"])
	steps, ok := complete.Data["steps"].([]any)
	require.True(t, ok, "completion carries the per-step results")
	require.Len(t, steps, 2)
	firstStep := steps[0].(map[string]any)
	assert.Equal(t, "power_on", firstStep["step"])
	assert.Equal(t, float64(5), firstStep["duration"])
	assert.Equal(t, true, firstStep["pass"])
}

func TestLastRunSurvivesWorkerRestart(t *testing.T) {
	h := newHarness(t, "", happyScript)

	resp := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 30*time.Second)
	require.True(t, resp.OK(), resp.Message)
	execID := resp.Data["execution_id"].(string)
	h.waitEvent(t, ipc.EvtSequenceComplete, 10*time.Second)

	// Stop the first worker, then bring up a fresh one over the same store.
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
		t.Fatal("first worker did not shut down")
	}
	h.srv.Unregister("b1")

	w, err := New(h.cfg, "b1", nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.NoError(t, h.srv.WaitForWorker(context.Background(), "b1", 10*time.Second, 50*time.Millisecond))

	status := h.command(t, ipc.Command{Type: ipc.CmdGetStatus}, 5*time.Second)
	require.True(t, status.OK())
	last, ok := status.Data["last_run"].(map[string]any)
	require.True(t, ok, "last run must be restored from the store")
	assert.Equal(t, execID, last["execution_id"])
	assert.Equal(t, true, last["overall_pass"])

	steps, ok := last["steps"].([]any)
	require.True(t, ok, "restored last run must include its final steps")
	require.Len(t, steps, 2)
	firstStep := steps[0].(map[string]any)
	assert.Equal(t, "power_on", firstStep["step"])
	assert.Equal(t, true, firstStep["pass"])
}

func TestStopSequenceDiscardsExecution(t *testing.T) {
	// Child honors the stop command by exiting when stdin delivers a line.
	h := newHarness(t, "", `
echo '{"type":"step_start","step":"long_soak","index":0,"total":1}'
read line
exit 0
`)

	resp := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 30*time.Second)
	require.True(t, resp.OK())
	execID := resp.Data["execution_id"].(string)

	h.waitEvent(t, ipc.EvtStepStart, 5*time.Second)

	stop := h.command(t, ipc.Command{Type: ipc.CmdStopSequence}, 15*time.Second)
	require.True(t, stop.OK())

	status := h.command(t, ipc.Command{Type: ipc.CmdGetStatus}, 5*time.Second)
	assert.Equal(t, ExecIdle, status.Data["execution_status"])
	assert.Nil(t, status.Data["last_run"], "stopped executions are not saved as last run")

	st, err := store.Open(context.Background(), store.BatchDBPath(h.cfg.Paths.DataDir, "b1"))
	require.NoError(t, err)
	defer st.Close()
	persisted, err := st.GetExecutionWithSteps(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionStopped, persisted.Status)
}

func TestSecondStartRejectedWhileRunning(t *testing.T) {
	h := newHarness(t, "", `
echo '{"type":"step_start","step":"long_soak","index":0,"total":1}'
read line
exit 0
`)

	resp := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 30*time.Second)
	require.True(t, resp.OK())

	second := h.command(t, ipc.Command{Type: ipc.CmdStartSequence}, 10*time.Second)
	require.False(t, second.OK())
	assert.Equal(t, "SEQUENCE_ALREADY_RUNNING", second.ErrorCode)

	h.command(t, ipc.Command{Type: ipc.CmdStopSequence}, 15*time.Second)
}

func TestManualControl(t *testing.T) {
	h := newHarness(t, "", happyScript)

	resp := h.command(t, ipc.Command{
		Type:   ipc.CmdManualControl,
		Params: map[string]any{"device": "relay", "command": "toggle", "args": map[string]any{"channel": 1.0}},
	}, 15*time.Second)
	require.True(t, resp.OK(), resp.Message)
	assert.Equal(t, "toggle", resp.Data["command"])

	unknown := h.command(t, ipc.Command{
		Type:   ipc.CmdManualControl,
		Params: map[string]any{"device": "ghost", "command": "toggle"},
	}, 15*time.Second)
	require.False(t, unknown.OK())
	assert.Equal(t, "DRIVER_NOT_FOUND", unknown.ErrorCode)
}

func TestPing(t *testing.T) {
	h := newHarness(t, "", happyScript)

	resp := h.command(t, ipc.Command{Type: ipc.CmdPing}, 5*time.Second)
	require.True(t, resp.OK())
	assert.Equal(t, PhaseReady, resp.Data["phase"])

	pong := h.waitEvent(t, ipc.EvtPong, 5*time.Second)
	assert.Equal(t, "b1", pong.BatchID)
}

func TestMergeParams(t *testing.T) {
	merged := mergeParams(
		map[string]any{"a": 1, "b": 1},
		map[string]any{"b": 2, "c": 2},
		map[string]any{"c": 3, "wip_id": "W-1", "process_id": 2},
	)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, merged,
		"later layers win and MES routing fields are stripped")
}
