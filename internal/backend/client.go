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

// Package backend implements the typed HTTP client for the MES backend:
// operator auth, WIP process transitions, process sessions, sequence pull,
// and station registration. Two auth modes exist; see authMode.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mfgkit/stationd/internal/httpclient"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// authMode selects the credential attached to a request.
type authMode int

const (
	// authAPIKey sends X-API-Key: the dynamic station key issued at login,
	// falling back to the static configured key. Used for service-level
	// calls (sessions, sequence pull, process catalog).
	authAPIKey authMode = iota
	// authJWT sends Authorization: Bearer from the token manager. Used for
	// operator-tracked calls (WIP lookup, start/complete process, /me).
	// On 401 the call refreshes once and retries.
	authJWT
	// authNone sends no credential (login, refresh, health, registration).
	authNone
)

// Client talks to the MES backend. Safe for concurrent use.
type Client struct {
	baseURL      string
	staticAPIKey string
	stationID    string
	httpClient   *http.Client
	tokens       *TokenManager
	logger       *slog.Logger

	sessionMu sync.Mutex
	sessionID int
}

// Options configures a Client.
type Options struct {
	BaseURL string
	// APIKey is the static station key from configuration. A dynamic key
	// issued at operator login takes precedence when present.
	APIKey    string
	StationID string
	Timeout   time.Duration
	Tokens    *TokenManager
	Logger    *slog.Logger
}

// NewClient builds a backend client and binds the token manager's refresh
// callback to it.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, &stationerrors.ValidationError{Field: "backend.url", Message: "must not be empty"}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = NewTokenManager(logger)
	}

	hcfg := httpclient.DefaultConfig()
	if opts.Timeout > 0 {
		hcfg.Timeout = opts.Timeout
	}
	hcfg.Logger = logger
	httpc, err := httpclient.New(hcfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		staticAPIKey: opts.APIKey,
		stationID:    opts.StationID,
		httpClient:   httpc,
		tokens:       tokens,
		logger:       logger,
	}
	tokens.SetRefreshFunc(c.refreshTokens)
	return c, nil
}

// Tokens returns the token manager backing this client.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// apiKey returns the dynamic station key when an operator is logged in,
// else the static configured key.
func (c *Client) apiKey() string {
	if k := c.tokens.StationAPIKey(); k != "" {
		return k
	}
	return c.staticAPIKey
}

// do issues one request and decodes the JSON response into out (which may
// be nil). JWT calls that hit 401 refresh the token and retry exactly
// once; API_KEY calls never retry.
func (c *Client) do(ctx context.Context, mode authMode, method, path string, body, out any) error {
	err := c.doOnce(ctx, mode, method, path, body, out)
	if mode != authJWT {
		return err
	}

	var be *stationerrors.BackendError
	if !errors.As(err, &be) || be.StatusCode != http.StatusUnauthorized {
		return err
	}
	if !c.tokens.HandleUnauthorized(ctx) {
		return &stationerrors.TokenExpiredError{Cause: err}
	}
	return c.doOnce(ctx, mode, method, path, body, out)
}

func (c *Client) doOnce(ctx context.Context, mode authMode, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &stationerrors.BackendError{Code: "encode", Message: "encode request body", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &stationerrors.BackendError{Code: "request", Message: "build request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	switch mode {
	case authAPIKey:
		req.Header.Set("X-API-Key", c.apiKey())
	case authJWT:
		token := c.tokens.AccessToken()
		if token == "" {
			return &stationerrors.TokenExpiredError{}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection-level failures are always retryable via the sync queue.
		return &stationerrors.BackendError{Code: "connection", Message: err.Error(), Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp, path)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &stationerrors.BackendError{StatusCode: resp.StatusCode, Code: "decode", Message: "decode response body", Cause: err}
	}
	return nil
}

// User identifies the logged-in MES operator.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// LoginResult carries the token triple issued at operator login.
type LoginResult struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	ExpiresIn     int    `json:"expires_in"`
	User          User   `json:"user"`
	StationAPIKey string `json:"station_api_key,omitempty"`
}

// Login authenticates an operator and installs the resulting tokens into
// the token manager.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body := map[string]any{
		"username": username,
		"password": password,
	}
	if c.stationID != "" {
		body["station_id"] = c.stationID
	}

	var result LoginResult
	if err := c.do(ctx, authNone, http.MethodPost, "/api/v1/auth/login/json", body, &result); err != nil {
		return nil, err
	}

	c.tokens.SetTokens(result.AccessToken, result.RefreshToken,
		time.Duration(result.ExpiresIn)*time.Second,
		result.User.ID, result.User.Username, result.StationAPIKey)
	return &result, nil
}

// Logout drops the operator tokens. The backend keeps no session state
// beyond the tokens themselves.
func (c *Client) Logout() {
	c.tokens.Clear()
}

// refreshTokens exchanges the refresh token for a new triple. Bound to
// TokenManager.refresh at construction.
func (c *Client) refreshTokens(ctx context.Context, refreshToken string) (*TokenInfo, error) {
	body := map[string]any{"refresh_token": refreshToken}
	if c.stationID != "" {
		body["station_id"] = c.stationID
	}

	var result LoginResult
	if err := c.doOnce(ctx, authNone, http.MethodPost, "/api/v1/auth/refresh", body, &result); err != nil {
		return nil, err
	}
	if result.RefreshToken == "" {
		result.RefreshToken = refreshToken
	}

	expiresAt := tokenExpiry(result.AccessToken)
	if result.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return &TokenInfo{
		AccessToken:   result.AccessToken,
		RefreshToken:  result.RefreshToken,
		ExpiresAt:     expiresAt,
		UserID:        result.User.ID,
		Username:      result.User.Username,
		StationAPIKey: result.StationAPIKey,
	}, nil
}

// Me returns the current operator's identity.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, authJWT, http.MethodGet, "/api/v1/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Process is one entry in the MES process catalog.
type Process struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// ActiveProcesses fetches the process catalog.
func (c *Client) ActiveProcesses(ctx context.Context) ([]Process, error) {
	var processes []Process
	if err := c.do(ctx, authAPIKey, http.MethodGet, "/api/v1/processes/active", nil, &processes); err != nil {
		return nil, err
	}
	return processes, nil
}

// Health probes the backend health endpoint. A nil return means the
// backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, authNone, http.MethodGet, "/health", nil, nil)
}

func queryPath(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

func intPath(format string, id int) string {
	return fmt.Sprintf(format, id)
}
