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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
station:
  id: line-3
  name: Line 3
batches:
  - id: b1
    name: Batch 1
    sequence_package: demo
    slot_id: 1
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "line-3", cfg.Station.ID)
	assert.Equal(t, 8080, cfg.Server.Port, "default kept when file omits it")
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 5555, cfg.IPC.RouterPort)
	assert.Equal(t, 5557, cfg.IPC.SubPort)
	require.Len(t, cfg.Batches, 1)
	assert.Equal(t, "demo", cfg.Batches[0].SequencePackage)
}

func TestLoadRejectsInvalidBatches(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing station id", `
station: {name: No ID}
`},
		{"duplicate batch id", `
station: {id: s1}
batches:
  - {id: b1, name: One, sequence_package: demo, slot_id: 1}
  - {id: b1, name: Two, sequence_package: demo, slot_id: 2}
`},
		{"slot out of range", `
station: {id: s1}
batches:
  - {id: b1, name: One, sequence_package: demo, slot_id: 13}
`},
		{"duplicate slot", `
station: {id: s1}
batches:
  - {id: b1, name: One, sequence_package: demo, slot_id: 2}
  - {id: b2, name: Two, sequence_package: demo, slot_id: 2}
`},
		{"missing sequence package", `
station: {id: s1}
batches:
  - {id: b1, name: One, slot_id: 1}
`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			var cfgErr *stationerrors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestCORSEnvOverride(t *testing.T) {
	path := writeConfig(t, `
station: {id: s1}
server:
  cors:
    allowed_origins: ["http://a.example"]
`)
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://b.example, http://c.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"http://b.example", "http://c.example"}, cfg.Server.CORS.AllowedOrigins)
}

func TestHeaderIDCanonicalAndLegacy(t *testing.T) {
	b := &BatchConfig{LegacyHeaderID: 7}
	assert.Equal(t, 7, b.HeaderID(), "legacy field honored on read")

	b.Config = map[string]any{"headerId": 9}
	assert.Equal(t, 9, b.HeaderID(), "canonical location wins")

	b.SetHeaderID(11)
	assert.Equal(t, 11, b.HeaderID())
	assert.Zero(t, b.LegacyHeaderID, "writes clear the legacy field")
}

func TestSaveRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.yaml")
	cfg := Default()

	for i := 0; i < 8; i++ {
		cfg.Station.Name = "rev"
		require.NoError(t, Save(cfg, path))
	}

	// First save had nothing to back up, so 7 rotations capped at 5.
	backups, err := filepath.Glob(path + ".bak.*")
	require.NoError(t, err)
	assert.Len(t, backups, 5)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "rev", reloaded.Station.Name)
}

func TestPathEnv(t *testing.T) {
	t.Setenv("STATION_CONFIG", "/etc/stationd/station.yaml")
	assert.Equal(t, "/etc/stationd/station.yaml", Path())

	t.Setenv("STATION_CONFIG", "")
	assert.Equal(t, DefaultPath, Path())
}
