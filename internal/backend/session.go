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

package backend

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"time"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Session close statuses accepted by the backend.
const (
	SessionClosed    = "CLOSED"
	SessionCancelled = "CANCELLED"
)

// OpenSessionRequest identifies the station/batch/process tuple a session
// groups executions under.
type OpenSessionRequest struct {
	StationID       string `json:"station_id"`
	BatchID         string `json:"batch_id"`
	ProcessID       int    `json:"process_id"`
	SlotID          int    `json:"slot_id"`
	SequenceName    string `json:"sequence_name"`
	SequenceVersion string `json:"sequence_version,omitempty"`
}

type sessionResponse struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

// OpenSession opens a process session (process header) and caches its id.
// When the backend reports a session already open for the tuple, that
// session's id is adopted instead of failing.
func (c *Client) OpenSession(ctx context.Context, req OpenSessionRequest) (int, error) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	if c.sessionID != 0 {
		return c.sessionID, nil
	}

	var resp sessionResponse
	if err := c.do(ctx, authAPIKey, http.MethodPost, "/api/v1/process-headers/open", req, &resp); err != nil {
		return 0, err
	}
	c.sessionID = resp.ID
	return resp.ID, nil
}

// SessionID returns the cached process-session id, 0 when none is open.
func (c *Client) SessionID() int {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	return c.sessionID
}

// CloseSession closes the cached session with the given status. It is a
// no-op when no session is open, and the cache is cleared even when the
// backend call fails so cleanup paths stay idempotent.
func (c *Client) CloseSession(ctx context.Context, status string) error {
	if status != SessionClosed && status != SessionCancelled {
		return &stationerrors.ValidationError{Field: "status", Message: "must be CLOSED or CANCELLED"}
	}

	c.sessionMu.Lock()
	id := c.sessionID
	c.sessionID = 0
	c.sessionMu.Unlock()

	if id == 0 {
		return nil
	}

	params := url.Values{}
	params.Set("status", status)
	path := queryPath(intPath("/api/v1/process-headers/%d/close", id), params)
	return c.do(ctx, authAPIKey, http.MethodPost, path, nil, nil)
}

// StationInfo describes this station for registration.
type StationInfo struct {
	StationID string `json:"station_id"`
	Name      string `json:"name,omitempty"`
	Location  string `json:"location,omitempty"`
	Version   string `json:"version,omitempty"`
}

// RegisterStation announces the station to the backend. Called at sync
// engine start and again whenever a heartbeat reports 404.
func (c *Client) RegisterStation(ctx context.Context, info StationInfo) error {
	return c.do(ctx, authAPIKey, http.MethodPost, "/api/v1/stations/register", info, nil)
}

// Heartbeat is the telemetry payload sent with each liveness report.
type Heartbeat struct {
	Timestamp      time.Time `json:"timestamp"`
	RunningBatches int       `json:"running_batches"`
	PendingSync    int       `json:"pending_sync"`
	Goroutines     int       `json:"goroutines"`
}

// SendHeartbeat posts liveness telemetry for this station.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	if hb.Goroutines == 0 {
		hb.Goroutines = runtime.NumGoroutine()
	}
	path := "/api/v1/stations/" + url.PathEscape(c.stationID) + "/heartbeat"
	return c.do(ctx, authAPIKey, http.MethodPost, path, hb, nil)
}

// PullSequence requests a versioned sequence package archive from the
// backend. The caller owns extraction; the body is returned raw.
func (c *Client) PullSequence(ctx context.Context, name string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/sequences/"+url.PathEscape(name)+"/pull", nil)
	if err != nil {
		return nil, &stationerrors.BackendError{Code: "request", Message: "build request", Cause: err}
	}
	req.Header.Set("X-API-Key", c.apiKey())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &stationerrors.BackendError{Code: "connection", Message: err.Error(), Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, decodeError(resp, "/api/v1/sequences/"+name+"/pull")
	}
	return io.ReadAll(resp.Body)
}
