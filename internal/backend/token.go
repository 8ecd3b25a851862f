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
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshCooldown is the minimum spacing between refresh attempts. It
// suppresses thundering herds when many callers hit 401 at once.
const refreshCooldown = 5 * time.Second

// TokenInfo holds the operator tokens issued by the MES at login.
// Expiry here is informational only; the backend is authoritative and
// refresh is reactive on 401.
type TokenInfo struct {
	AccessToken   string
	RefreshToken  string
	ExpiresAt     time.Time
	UserID        int
	Username      string
	StationAPIKey string
}

// IsExpired reports whether the access token expires within buffer.
// Callers must not gate requests on this; it exists for UI display.
func (t *TokenInfo) IsExpired(buffer time.Duration) bool {
	if t == nil || t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(buffer).After(t.ExpiresAt)
}

// tokenExpiry extracts the exp claim from a JWT without verifying the
// signature (the station is not the token's audience verifier). Returns
// zero time when the claim is absent or unparsable.
func tokenExpiry(accessToken string) time.Time {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// RefreshFunc exchanges the current refresh token for a new token set.
type RefreshFunc func(ctx context.Context, refreshToken string) (*TokenInfo, error)

// TokenManager holds a single TokenInfo and serializes reactive refresh.
//
// HandleUnauthorized is the only refresh entry point: concurrent callers
// block on the mutex and the first successful refresh makes all waiters
// observe the new token. The cooldown check happens inside the lock so
// spacing between attempts stays accurate.
type TokenManager struct {
	mu          sync.Mutex
	info        *TokenInfo
	lastAttempt time.Time
	lastOK      bool

	refresh  RefreshFunc
	onUpdate func(*TokenInfo)
	logger   *slog.Logger
}

// NewTokenManager creates a token manager. refresh is bound later via
// SetRefreshFunc when the client exists (they reference each other).
func NewTokenManager(logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{logger: logger}
}

// SetRefreshFunc binds the refresh callback, normally Client.refreshTokens.
func (m *TokenManager) SetRefreshFunc(fn RefreshFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh = fn
}

// SetUpdateCallback registers a callback invoked with the new token set
// after a successful refresh (used to persist the access token to the
// operator session).
func (m *TokenManager) SetUpdateCallback(fn func(*TokenInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// SetTokens replaces the current tokens and resets the refresh cooldown.
// expiresIn of zero falls back to the JWT exp claim.
func (m *TokenManager) SetTokens(access, refresh string, expiresIn time.Duration, userID int, username, stationAPIKey string) {
	expiresAt := tokenExpiry(access)
	if expiresIn > 0 {
		expiresAt = time.Now().Add(expiresIn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = &TokenInfo{
		AccessToken:   access,
		RefreshToken:  refresh,
		ExpiresAt:     expiresAt,
		UserID:        userID,
		Username:      username,
		StationAPIKey: stationAPIKey,
	}
	m.lastAttempt = time.Time{}
}

// Clear drops the current tokens (operator logout).
func (m *TokenManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = nil
}

// AccessToken returns the current access token, or "" when logged out.
func (m *TokenManager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return ""
	}
	return m.info.AccessToken
}

// RefreshToken returns the current refresh token, or "".
func (m *TokenManager) RefreshToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return ""
	}
	return m.info.RefreshToken
}

// StationAPIKey returns the dynamic station key issued at login, or "".
func (m *TokenManager) StationAPIKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return ""
	}
	return m.info.StationAPIKey
}

// Info returns a copy of the current token info, or nil when logged out.
// Worker processes receive this snapshot at spawn and refresh on their own.
func (m *TokenManager) Info() *TokenInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return nil
	}
	copy := *m.info
	return &copy
}

// HandleUnauthorized performs the single-flight reactive refresh.
// It returns true when the refresh succeeded and the caller should retry
// its request once with the new access token.
func (m *TokenManager) HandleUnauthorized(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.info == nil || m.info.RefreshToken == "" || m.refresh == nil {
		return false
	}

	// Another caller may have refreshed while we waited on the lock; if the
	// attempt was recent, replay its outcome. A succeeded attempt lets the
	// caller retry with the token it installed; a failed one must not turn
	// into a phantom success.
	if !m.lastAttempt.IsZero() && time.Since(m.lastAttempt) < refreshCooldown {
		return m.lastOK
	}
	m.lastAttempt = time.Now()

	info, err := m.refresh(ctx, m.info.RefreshToken)
	if err != nil {
		m.lastOK = false
		m.logger.Warn("token refresh failed", slog.Any("error", err))
		return false
	}
	m.lastOK = true

	// Preserve identity fields the refresh response does not carry.
	if info.UserID == 0 {
		info.UserID = m.info.UserID
	}
	if info.Username == "" {
		info.Username = m.info.Username
	}
	if info.StationAPIKey == "" {
		info.StationAPIKey = m.info.StationAPIKey
	}
	m.info = info

	m.logger.Info("access token refreshed", slog.String("username", info.Username))
	if m.onUpdate != nil {
		m.onUpdate(info)
	}
	return true
}
