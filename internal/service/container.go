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

// Package service wires the station components together in a fixed
// order and tears them down in reverse.
package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mfgkit/stationd/internal/backend"
	"github.com/mfgkit/stationd/internal/batchconfig"
	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/events"
	"github.com/mfgkit/stationd/internal/ipc"
	"github.com/mfgkit/stationd/internal/manager"
	"github.com/mfgkit/stationd/internal/sequence"
	"github.com/mfgkit/stationd/internal/store"
	"github.com/mfgkit/stationd/internal/syncengine"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Options configures container construction.
type Options struct {
	Config     *config.Config
	ConfigPath string
	// WorkerBin overrides the worker executable path. Empty means
	// stationd-worker next to the current executable.
	WorkerBin string
	Logger    *slog.Logger
}

// Container owns every long-lived component of the manager process.
// Initialization order: store, emitter, IPC server, sequence loader,
// batch manager, HTTP/WS server, sync engine. Shutdown reverses it.
type Container struct {
	cfg        *config.Config
	configPath string
	workerBin  string
	logger     *slog.Logger

	mu          sync.Mutex
	initialized bool

	Store        *store.Store
	Emitter      *events.Emitter
	IPC          *ipc.Server
	Loader       *sequence.Loader
	Watcher      *sequence.Watcher
	Backend      *backend.Client
	Manager      *manager.Manager
	BatchConfigs *batchconfig.Service
	Router       *events.Router
	HTTP         *events.Server
	Sync         *syncengine.Engine
}

// New creates an uninitialized container.
func New(opts Options) *Container {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Container{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		workerBin:  opts.WorkerBin,
		logger:     logger.With(slog.String("component", "service")),
	}
}

// Initialize builds and starts every component. Calling it twice is a
// no-op with a warning.
func (c *Container) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		c.logger.Warn("container already initialized, ignoring")
		return nil
	}

	st, err := store.Open(ctx, store.StationDBPath(c.cfg.Paths.DataDir))
	if err != nil {
		return err
	}
	c.Store = st

	c.Emitter = events.NewEmitter()

	c.IPC = ipc.NewServer(c.cfg.IPC.RouterPort, c.cfg.IPC.SubPort, c.logger)
	if err := c.IPC.Start(ctx); err != nil {
		c.teardown(ctx)
		return err
	}
	c.IPC.OnEvent(c.forwardWorkerEvent)

	c.Loader, err = sequence.NewLoader(c.cfg.Paths.SequencesDir, c.logger)
	if err != nil {
		c.teardown(ctx)
		return err
	}
	c.Watcher, err = sequence.NewWatcher(c.Loader, c.onSequenceChange, c.logger)
	if err != nil {
		c.teardown(ctx)
		return err
	}

	if c.cfg.Backend.URL != "" {
		c.Backend, err = backend.NewClient(backend.Options{
			BaseURL:   c.cfg.Backend.URL,
			APIKey:    c.cfg.Backend.APIKey,
			StationID: c.cfg.Backend.StationID,
			Timeout:   c.cfg.Backend.Timeout,
			Logger:    c.logger,
		})
		if err != nil {
			c.teardown(ctx)
			return err
		}
		// Refreshed tokens stay in memory; workers spawned after a
		// rotation pick the new set up through tokenEnv.
		c.Backend.Tokens().SetUpdateCallback(func(info *backend.TokenInfo) {
			c.logger.Debug("operator tokens rotated",
				slog.Time("expires_at", info.ExpiresAt))
		})
	}

	c.Manager = manager.New(manager.Options{
		Config:     c.cfg,
		ConfigPath: c.configPath,
		WorkerBin:  c.resolveWorkerBin(),
		IPC:        c.IPC,
		Emit:       c.Emitter.Emit,
		TokenEnv:   c.tokenEnv,
		Logger:     c.logger,
	})

	c.BatchConfigs = batchconfig.New(c.cfg, c.configPath, c.Manager.IsRunning, c.Emitter, c.logger)

	c.Router = events.NewRouter(c.Manager.GetBatchStatus, c.logger)
	c.Router.BindEmitter(c.Emitter)
	c.HTTP = events.NewServer(c.cfg.Server, c.Router, c.logger)
	if err := c.HTTP.Start(); err != nil {
		c.teardown(ctx)
		return err
	}

	if c.Backend != nil {
		c.Sync = syncengine.New(c.Backend, c.Store, backend.StationInfo{
			StationID: c.cfg.Station.ID,
			Name:      c.cfg.Station.Name,
			Version:   Version,
		}, c.cfg.Backend.SyncInterval, c.Manager.RunningCount, c.logger)
		c.Sync.Start(ctx)
	} else {
		c.logger.Info("no backend configured, running pure-local")
	}

	c.Manager.StartAutoBatches(ctx)

	c.initialized = true
	c.logger.Info("station initialized",
		slog.String("station_id", c.cfg.Station.ID),
		slog.Int("batches", len(c.cfg.BatchList())))
	return nil
}

// Shutdown tears components down in reverse order. One failing step
// never skips the rest.
func (c *Container) Shutdown(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return
	}
	c.initialized = false
	c.teardown(ctx)
	c.logger.Info("station shut down")
}

func (c *Container) teardown(ctx context.Context) {
	if c.Sync != nil {
		c.Sync.Stop() // also closes the backend client
		c.Sync = nil
		c.Backend = nil
	}
	if c.Manager != nil {
		c.Manager.Close()
		c.Manager = nil
	}
	if c.HTTP != nil {
		if err := c.HTTP.Shutdown(ctx); err != nil {
			c.logger.Warn("http shutdown failed", slog.Any("error", err))
		}
		c.HTTP = nil
	}
	if c.Backend != nil {
		c.Backend.Close()
		c.Backend = nil
	}
	if c.Watcher != nil {
		c.Watcher.Close()
		c.Watcher = nil
	}
	if c.IPC != nil {
		c.IPC.Close()
		c.IPC = nil
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			c.logger.Warn("store close failed", slog.Any("error", err))
		}
		c.Store = nil
	}
}

// forwardWorkerEvent bridges IPC events onto the internal bus and
// persists worker log lines.
func (c *Container) forwardWorkerEvent(ev ipc.Event) {
	if ev.Type == ipc.EvtLog {
		level, _ := ev.Data["level"].(string)
		message, _ := ev.Data["message"].(string)
		executionID, _ := ev.Data["execution_id"].(string)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Store.AppendLog(ctx, ev.BatchID, executionID, level, message); err != nil {
			c.logger.Warn("failed to persist worker log", slog.Any("error", err))
		}
		cancel()
	}
	c.Emitter.Emit(ev.Type, ev.BatchID, ev.Data)
}

func (c *Container) onSequenceChange(name string, installed bool) {
	eventType := events.EvtSequenceInstalled
	if !installed {
		eventType = events.EvtSequenceRemoved
	}
	c.Emitter.Emit(eventType, "", map[string]any{"package": name})
}

// PullSequence downloads a versioned package archive from the backend
// and installs it into the sequences directory.
func (c *Container) PullSequence(ctx context.Context, name string) error {
	if c.Backend == nil {
		return &stationerrors.ConfigError{Key: "backend.url", Reason: "no backend configured"}
	}
	archive, err := c.Backend.PullSequence(ctx, name)
	if err != nil {
		return err
	}
	if _, err := c.Loader.Install(name, archive); err != nil {
		return err
	}
	c.logger.Info("sequence package pulled", slog.String("package", name))
	return nil
}

// tokenEnv snapshots the operator tokens for a worker being spawned.
func (c *Container) tokenEnv() []string {
	if c.Backend == nil {
		return nil
	}
	info := c.Backend.Tokens().Info()
	if info == nil {
		return nil
	}
	return []string{
		"STATIOND_ACCESS_TOKEN=" + info.AccessToken,
		"STATIOND_REFRESH_TOKEN=" + info.RefreshToken,
		"STATIOND_STATION_API_KEY=" + info.StationAPIKey,
	}
}

func (c *Container) resolveWorkerBin() string {
	if c.workerBin != "" {
		return c.workerBin
	}
	exe, err := os.Executable()
	if err != nil {
		return "stationd-worker"
	}
	return filepath.Join(filepath.Dir(exe), "stationd-worker")
}
