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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/metrics"
)

const writeTimeout = 10 * time.Second

// inboundMessage is what WebSocket clients send: subscription changes.
type inboundMessage struct {
	Type     string   `json:"type"`
	BatchIDs []string `json:"batch_ids"`
}

// Server exposes the WebSocket fan-out plus health and metrics endpoints.
type Server struct {
	router   *Router
	logger   *slog.Logger
	upgrader websocket.Upgrader
	http     *http.Server
	addr     string
}

// NewServer builds the HTTP server around an event router. Allowed CORS
// origins gate WebSocket upgrades; an empty list admits any origin.
func NewServer(cfg config.ServerConfig, router *Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router: router,
		logger: logger.With(slog.String("component", "ws")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.CORS.AllowedOrigins),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.logger.Info("http server listening", slog.String("addr", s.addr))
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", slog.Any("error", err))
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// originChecker admits any origin when the allow-list is empty or
// contains "*".
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, origin := range allowed {
		if origin == "*" {
			wildcard = true
		}
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		if wildcard {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// handleWS upgrades the connection and runs the read loop until the
// client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c := s.router.register()
	metrics.WSClientConnected(1)
	defer func() {
		s.router.unregister(c)
		metrics.WSClientConnected(-1)
	}()

	go writePump(conn, c.outbox)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", slog.Any("error", err))
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debug("dropping malformed client message", slog.Any("error", err))
			continue
		}
		switch msg.Type {
		case "subscribe":
			s.router.subscribe(c, msg.BatchIDs)
		case "unsubscribe":
			s.router.unsubscribe(c, msg.BatchIDs)
		default:
			s.logger.Debug("unknown client message type", slog.String("type", msg.Type))
		}
	}
}

// writePump drains the outbox onto the socket. It owns all writes and
// closes the socket when the outbox closes, which also ends the read
// loop.
func writePump(conn *websocket.Conn, outbox <-chan []byte) {
	defer conn.Close()
	for payload := range outbox {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
