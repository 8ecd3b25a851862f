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

// Package config loads and persists the station configuration file.
//
// A single YAML file describes the station identity, the HTTP/WS server,
// the MES backend connection, workflow behavior, filesystem paths, IPC
// ports, and the configured batches. The STATION_CONFIG environment
// variable selects the file; CORS_ALLOWED_ORIGINS overrides the configured
// CORS origins.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// DefaultPath is used when STATION_CONFIG is not set.
const DefaultPath = "station.yaml"

// MaxSlots is the number of batch slots on a station.
const MaxSlots = 12

// Config is the root station configuration.
//
// The batch table is the one part mutated at runtime (batch create,
// update, delete); batchesMu guards it, and mutators publish fresh
// *BatchConfig values rather than editing shared ones, so a pointer
// handed out by Batch or BatchList stays safe to read without the lock.
type Config struct {
	Station  StationConfig  `yaml:"station"`
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Workflow WorkflowConfig `yaml:"workflow"`
	GitSync  GitSyncConfig  `yaml:"git_sync"`
	Paths    PathsConfig    `yaml:"paths"`
	IPC      IPCConfig      `yaml:"ipc"`
	Batches  []*BatchConfig `yaml:"batches"`

	batchesMu sync.RWMutex
}

// StationConfig identifies the physical test station.
type StationConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// ServerConfig configures the HTTP/WebSocket server.
type ServerConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	CORS CORSConfig `yaml:"cors"`
}

// CORSConfig lists allowed browser origins.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BackendConfig configures the MES backend connection. An empty URL
// disables the backend integration entirely (pure-local mode).
type BackendConfig struct {
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key"`
	StationID    string        `yaml:"station_id"`
	EquipmentID  string        `yaml:"equipment_id,omitempty"`
	Timeout      time.Duration `yaml:"timeout"`
	SyncInterval time.Duration `yaml:"sync_interval"`
}

// WorkflowConfig controls operator workflow behavior.
type WorkflowConfig struct {
	Enabled              bool   `yaml:"enabled"`
	InputMode            string `yaml:"input_mode"` // barcode | manual
	RequireOperatorLogin bool   `yaml:"require_operator_login"`
	AutoSequenceStart    bool   `yaml:"auto_sequence_start"`
	DefaultOperatorID    int    `yaml:"default_operator_id,omitempty"`
}

// GitSyncConfig controls sequence repository polling.
type GitSyncConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
	AutoPull     bool          `yaml:"auto_pull"`
}

// PathsConfig locates station data on disk.
type PathsConfig struct {
	SequencesDir string `yaml:"sequences_dir"`
	DataDir      string `yaml:"data_dir"`
	// Interpreter overrides the python binary used for sequence
	// subprocesses.
	Interpreter string `yaml:"interpreter,omitempty"`
}

// IPCConfig holds the manager-side socket ports.
type IPCConfig struct {
	RouterPort int `yaml:"router_port"`
	SubPort    int `yaml:"sub_port"`
}

// BarcodeScannerConfig configures the optional per-batch barcode scanner.
type BarcodeScannerConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// BatchConfig describes one batch slot bound to a sequence package.
type BatchConfig struct {
	ID              string                    `yaml:"id"`
	Name            string                    `yaml:"name"`
	SequencePackage string                    `yaml:"sequence_package"`
	SlotID          int                       `yaml:"slot_id"`
	AutoStart       bool                      `yaml:"auto_start,omitempty"`
	Hardware        map[string]map[string]any `yaml:"hardware,omitempty"`
	Parameters      map[string]any            `yaml:"parameters,omitempty"`
	Config          map[string]any            `yaml:"config,omitempty"`
	ProcessID       int                       `yaml:"process_id,omitempty"`
	BarcodeScanner  *BarcodeScannerConfig     `yaml:"barcode_scanner,omitempty"`

	// LegacyHeaderID is the historical top-level location of the process
	// header id. Tolerated on read; writes go to Config["headerId"] only.
	LegacyHeaderID int `yaml:"header_id,omitempty"`
}

// HeaderID returns the process header id, reading the canonical location
// (config.headerId) first and the legacy top-level field second.
// Returns 0 when unset.
func (b *BatchConfig) HeaderID() int {
	if b.Config != nil {
		switch v := b.Config["headerId"].(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return b.LegacyHeaderID
}

// SetHeaderID writes the header id to the canonical location and clears
// the legacy field.
func (b *BatchConfig) SetHeaderID(id int) {
	if b.Config == nil {
		b.Config = make(map[string]any)
	}
	b.Config["headerId"] = id
	b.LegacyHeaderID = 0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Station: StationConfig{ID: "station-1", Name: "Station 1"},
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8080},
		Backend: BackendConfig{
			Timeout:      10 * time.Second,
			SyncInterval: 60 * time.Second,
		},
		Workflow: WorkflowConfig{InputMode: "manual"},
		GitSync:  GitSyncConfig{PollInterval: 5 * time.Minute},
		Paths: PathsConfig{
			SequencesDir: "sequences",
			DataDir:      "data",
		},
		IPC: IPCConfig{RouterPort: 5555, SubPort: 5557},
	}
}

// Path returns the configuration file path from STATION_CONFIG, falling
// back to DefaultPath.
func Path() string {
	if p := os.Getenv("STATION_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the station configuration from path. An empty path resolves
// via Path(). Environment overrides are applied after parsing.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &stationerrors.ConfigError{Reason: "cannot read station config", Cause: err}
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &stationerrors.ConfigError{Reason: "cannot parse station config", Cause: err}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies recognized environment variables on top of the
// parsed file.
func applyEnvOverrides(cfg *Config) {
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		cleaned := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		cfg.Server.CORS.AllowedOrigins = cleaned
	}
}

// Validate checks invariants that must hold before the station starts.
func (c *Config) Validate() error {
	if c.Station.ID == "" {
		return &stationerrors.ConfigError{Key: "station.id", Reason: "station id is required"}
	}

	seenIDs := make(map[string]struct{}, len(c.Batches))
	seenSlots := make(map[int]string, len(c.Batches))
	for _, b := range c.Batches {
		if b.ID == "" {
			return &stationerrors.ConfigError{Key: "batches", Reason: "batch id is required"}
		}
		if _, dup := seenIDs[b.ID]; dup {
			return &stationerrors.ConfigError{Key: "batches", Reason: fmt.Sprintf("duplicate batch id %q", b.ID)}
		}
		seenIDs[b.ID] = struct{}{}

		if b.SequencePackage == "" {
			return &stationerrors.ConfigError{
				Key:    "batches." + b.ID + ".sequence_package",
				Reason: "sequence package is required",
			}
		}
		if b.SlotID < 1 || b.SlotID > MaxSlots {
			return &stationerrors.ConfigError{
				Key:    "batches." + b.ID + ".slot_id",
				Reason: fmt.Sprintf("slot_id must be in [1..%d], got %d", MaxSlots, b.SlotID),
			}
		}
		if other, taken := seenSlots[b.SlotID]; taken {
			return &stationerrors.ConfigError{
				Key:    "batches." + b.ID + ".slot_id",
				Reason: fmt.Sprintf("slot %d already taken by batch %q", b.SlotID, other),
			}
		}
		seenSlots[b.SlotID] = b.ID
	}

	return nil
}

// Batch returns the batch config with the given id, or nil.
func (c *Config) Batch(id string) *BatchConfig {
	c.batchesMu.RLock()
	defer c.batchesMu.RUnlock()
	for _, b := range c.Batches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// BatchList returns a point-in-time copy of the batch table.
func (c *Config) BatchList() []*BatchConfig {
	c.batchesMu.RLock()
	defer c.batchesMu.RUnlock()
	out := make([]*BatchConfig, len(c.Batches))
	copy(out, c.Batches)
	return out
}

// AddBatch appends a batch definition.
func (c *Config) AddBatch(b *BatchConfig) {
	c.batchesMu.Lock()
	defer c.batchesMu.Unlock()
	c.Batches = append(c.Batches, b)
}

// RemoveBatch removes a batch by id, returning the removed definition
// and its index, or (nil, -1) when absent.
func (c *Config) RemoveBatch(id string) (*BatchConfig, int) {
	c.batchesMu.Lock()
	defer c.batchesMu.Unlock()
	for i, b := range c.Batches {
		if b.ID == id {
			c.Batches = append(c.Batches[:i], c.Batches[i+1:]...)
			return b, i
		}
	}
	return nil, -1
}

// InsertBatch puts a batch definition back at the given index. Used to
// roll a removal back when the save fails.
func (c *Config) InsertBatch(idx int, b *BatchConfig) {
	c.batchesMu.Lock()
	defer c.batchesMu.Unlock()
	if idx < 0 || idx > len(c.Batches) {
		idx = len(c.Batches)
	}
	c.Batches = append(c.Batches[:idx],
		append([]*BatchConfig{b}, c.Batches[idx:]...)...)
}

// ReplaceBatch swaps the definition with the same id for b. Reports
// whether a definition was found.
func (c *Config) ReplaceBatch(b *BatchConfig) bool {
	c.batchesMu.Lock()
	defer c.batchesMu.Unlock()
	for i, existing := range c.Batches {
		if existing.ID == b.ID {
			c.Batches[i] = b
			return true
		}
	}
	return false
}
