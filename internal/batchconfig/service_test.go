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

package batchconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/events"
	"github.com/mfgkit/stationd/internal/manager"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

func newService(t *testing.T, running RunningFunc) (*Service, *config.Config, string) {
	t.Helper()
	cfg := config.Default()
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, config.Save(cfg, path))
	return New(cfg, path, running, events.NewEmitter(), nil), cfg, path
}

func TestCreateAllocatesLowestFreeSlot(t *testing.T) {
	svc, _, path := newService(t, nil)

	first, err := svc.Create(CreateRequest{ID: "b1", Name: "One", SequencePackage: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 1, first.SlotID)

	_, err = svc.Create(CreateRequest{ID: "b3", Name: "Three", SequencePackage: "demo", SlotID: 2})
	require.NoError(t, err)

	// Slot 2 taken explicitly, so the next automatic slot is 3.
	third, err := svc.Create(CreateRequest{ID: "b2", Name: "Two", SequencePackage: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 3, third.SlotID)

	// Definitions survive a reload from disk.
	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.Batches, 3)
	assert.NotNil(t, reloaded.Batch("b2"))
}

func TestCreateRejectsDuplicatesAndBadSlots(t *testing.T) {
	svc, _, _ := newService(t, nil)

	_, err := svc.Create(CreateRequest{ID: "b1", Name: "One", SequencePackage: "demo", SlotID: 4})
	require.NoError(t, err)

	_, err = svc.Create(CreateRequest{ID: "b1", Name: "Dup", SequencePackage: "demo"})
	var exists *stationerrors.AlreadyExistsError
	require.ErrorAs(t, err, &exists)

	_, err = svc.Create(CreateRequest{ID: "b2", Name: "Two", SequencePackage: "demo", SlotID: 4})
	var validation *stationerrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "slot_id", validation.Field)

	_, err = svc.Create(CreateRequest{ID: "b3", Name: "Three", SequencePackage: "demo", SlotID: 13})
	require.ErrorAs(t, err, &validation)

	_, err = svc.Create(CreateRequest{ID: "b4", Name: "", SequencePackage: "demo"})
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "name", validation.Field)
}

func TestCreateFailsWhenAllSlotsTaken(t *testing.T) {
	svc, _, _ := newService(t, nil)

	for slot := 1; slot <= config.MaxSlots; slot++ {
		_, err := svc.Create(CreateRequest{
			ID:              "b" + string(rune('a'+slot)),
			Name:            "Batch",
			SequencePackage: "demo",
			SlotID:          slot,
		})
		require.NoError(t, err)
	}

	_, err := svc.Create(CreateRequest{ID: "overflow", Name: "Overflow", SequencePackage: "demo"})
	var validation *stationerrors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "slot_id", validation.Field)
}

func TestUpdateMergesDictFields(t *testing.T) {
	svc, _, _ := newService(t, nil)

	_, err := svc.Create(CreateRequest{
		ID:              "b1",
		Name:            "One",
		SequencePackage: "demo",
		Parameters:      map[string]any{"voltage": 3.3, "retries": 2},
		Hardware: map[string]map[string]any{
			"dmm": {"type": "noop", "port": "usb0"},
		},
	})
	require.NoError(t, err)

	updated, err := svc.Update("b1", UpdateRequest{
		Parameters: map[string]any{"voltage": 5.0},
		Hardware: map[string]map[string]any{
			"dmm":   {"port": "usb1"},
			"relay": {"type": "noop"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 5.0, updated.Parameters["voltage"])
	assert.Equal(t, 2, updated.Parameters["retries"], "unmentioned keys survive the merge")
	assert.Equal(t, "usb1", updated.Hardware["dmm"]["port"])
	assert.Equal(t, "noop", updated.Hardware["dmm"]["type"])
	assert.Equal(t, "noop", updated.Hardware["relay"]["type"])
}

func TestUpdateRejectedWhileRunning(t *testing.T) {
	svc, _, _ := newService(t, func(batchID string) bool { return batchID == "b1" })

	_, err := svc.Create(CreateRequest{ID: "b1", Name: "One", SequencePackage: "demo"})
	require.NoError(t, err)

	_, err = svc.Update("b1", UpdateRequest{Name: "Renamed"})
	var running *stationerrors.AlreadyRunningError
	require.ErrorAs(t, err, &running)

	err = svc.Delete("b1")
	require.ErrorAs(t, err, &running)
}

func TestDeleteRemovesAndPersists(t *testing.T) {
	svc, cfg, path := newService(t, nil)

	_, err := svc.Create(CreateRequest{ID: "b1", Name: "One", SequencePackage: "demo"})
	require.NoError(t, err)
	_, err = svc.Create(CreateRequest{ID: "b2", Name: "Two", SequencePackage: "demo"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete("b1"))
	assert.Nil(t, cfg.Batch("b1"))

	reloaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Batch("b1"))
	assert.NotNil(t, reloaded.Batch("b2"))

	var notFound *stationerrors.NotFoundError
	require.ErrorAs(t, svc.Delete("b1"), &notFound)
}

func TestConcurrentCreateAndStatusSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	path := filepath.Join(t.TempDir(), "station.yaml")
	require.NoError(t, config.Save(cfg, path))

	m := manager.New(manager.Options{Config: cfg, ConfigPath: path})
	t.Cleanup(m.Close)
	svc := New(cfg, path, m.IsRunning, nil, nil)

	// Batch creation races status snapshots over the shared batch table.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for slot := 1; slot <= config.MaxSlots; slot++ {
			_, err := svc.Create(CreateRequest{
				ID:              fmt.Sprintf("b%02d", slot),
				Name:            "Batch",
				SequencePackage: "demo",
			})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			m.GetAllBatchStatuses(context.Background())
		}
	}()
	wg.Wait()

	assert.Len(t, m.GetAllBatchStatuses(context.Background()), config.MaxSlots)
}

func TestFailedSaveRollsBackMemory(t *testing.T) {
	svc, cfg, path := newService(t, nil)

	_, err := svc.Create(CreateRequest{ID: "b1", Name: "One", SequencePackage: "demo"})
	require.NoError(t, err)

	// Turn the config path into a directory so every save fails.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	var persist *stationerrors.PersistenceError

	_, err = svc.Create(CreateRequest{ID: "b2", Name: "Two", SequencePackage: "demo"})
	require.ErrorAs(t, err, &persist)
	assert.Nil(t, cfg.Batch("b2"), "failed save must not leave the batch in memory")

	_, err = svc.Update("b1", UpdateRequest{Name: "Renamed"})
	require.ErrorAs(t, err, &persist)
	assert.Equal(t, "One", cfg.Batch("b1").Name)

	err = svc.Delete("b1")
	require.ErrorAs(t, err, &persist)
	require.NotNil(t, cfg.Batch("b1"), "failed save must restore the deleted batch")
}

func TestSlotReuseAfterDelete(t *testing.T) {
	svc, _, _ := newService(t, nil)

	_, err := svc.Create(CreateRequest{ID: "b1", Name: "One", SequencePackage: "demo"})
	require.NoError(t, err)
	_, err = svc.Create(CreateRequest{ID: "b2", Name: "Two", SequencePackage: "demo"})
	require.NoError(t, err)

	require.NoError(t, svc.Delete("b1"))

	reused, err := svc.Create(CreateRequest{ID: "b3", Name: "Three", SequencePackage: "demo"})
	require.NoError(t, err)
	assert.Equal(t, 1, reused.SlotID)
}
