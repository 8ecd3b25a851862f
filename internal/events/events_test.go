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

package events

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/ipc"
)

func startTestServer(t *testing.T, status StatusFunc) (*Server, *Router) {
	t.Helper()
	router := NewRouter(status, nil)
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, router, nil)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, router
}

func dial(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, batchIDs ...string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "subscribe", BatchIDs: batchIDs}))
}

func readWire(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wireMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func waitClients(t *testing.T, router *Router, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return router.ClientCount() == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSubscribePushesSnapshot(t *testing.T) {
	status := func(_ context.Context, batchID string) (map[string]any, error) {
		return map[string]any{"status": "STOPPED", "batch_id": batchID}, nil
	}
	srv, _ := startTestServer(t, status)

	conn := dial(t, srv)
	subscribe(t, conn, "b1")

	msg := readWire(t, conn)
	assert.Equal(t, "batch_status", msg.Type)
	assert.Equal(t, "b1", msg.BatchID)
	assert.Equal(t, "STOPPED", msg.Data["status"])
}

func TestBroadcastFiltersBySubscription(t *testing.T) {
	srv, router := startTestServer(t, nil)

	subscribed := dial(t, srv)
	other := dial(t, srv)
	waitClients(t, router, 2)

	subscribe(t, subscribed, "b1")
	subscribe(t, other, "b2")

	// Subscriptions are applied by the server's read loop; give it a beat.
	time.Sleep(100 * time.Millisecond)
	router.Broadcast("b1", "step_start", map[string]any{"step": "measure"})

	msg := readWire(t, subscribed)
	assert.Equal(t, "step_start", msg.Type)
	assert.Equal(t, "b1", msg.BatchID)
	assert.Equal(t, "measure", msg.Data["step"])

	other.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "unsubscribed client must not receive the frame")
}

func TestBroadcastAllReachesEveryConnection(t *testing.T) {
	srv, router := startTestServer(t, nil)

	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, router, 2)

	router.BroadcastAll("batch_created", "b9", map[string]any{"name": "New Batch"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readWire(t, conn)
		assert.Equal(t, "batch_created", msg.Type)
		assert.Equal(t, "b9", msg.BatchID)
	}
}

func TestEmitterTranslation(t *testing.T) {
	srv, router := startTestServer(t, nil)
	em := NewEmitter()
	router.BindEmitter(em)

	conn := dial(t, srv)
	waitClients(t, router, 1)
	subscribe(t, conn, "b1")
	time.Sleep(100 * time.Millisecond)

	em.Emit(ipc.EvtStepComplete, "b1", map[string]any{"step": "measure", "pass": true})
	msg := readWire(t, conn)
	assert.Equal(t, "step_complete", msg.Type)

	em.Emit(ipc.EvtStatusUpdate, "b1", map[string]any{"phase": "READY"})
	msg = readWire(t, conn)
	assert.Equal(t, "batch_status", msg.Type)
	assert.Equal(t, "READY", msg.Data["phase"])

	// Global events reach clients with no matching subscription.
	em.Emit(EvtBatchDeleted, "b7", nil)
	msg = readWire(t, conn)
	assert.Equal(t, "batch_deleted", msg.Type)
	assert.Equal(t, "b7", msg.BatchID)
}

func TestLifecycleEventsBecomeBatchStatus(t *testing.T) {
	router := NewRouter(nil, nil)

	msgType, data, global := router.translate(Event{
		Type:    "BATCH_CRASHED",
		BatchID: "b1",
		Data:    map[string]any{"exit_code": 7},
	})
	assert.Equal(t, "batch_status", msgType)
	assert.Equal(t, "CRASHED", data["status"])
	assert.Equal(t, 7, data["exit_code"])
	assert.False(t, global)

	msgType, _, _ = router.translate(Event{Type: ipc.EvtPong, BatchID: "b1"})
	assert.Empty(t, msgType, "pong stays internal")
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	resp, err := httpGet("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp["status"])
}

func httpGet(url string) (map[string]string, error) {
	resp, err := http.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body, nil
}
