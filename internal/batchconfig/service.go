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

// Package batchconfig manages batch slot definitions with a
// persist-first discipline: the YAML file is written before the
// in-memory table changes, and rolled back if the memory step fails.
package batchconfig

import (
	"log/slog"
	"sync"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/events"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// RunningFunc reports whether a batch currently has a live worker.
type RunningFunc func(batchID string) bool

// Service serializes create/update/delete of batch definitions. One
// mutex covers both the YAML write and the in-memory table so the two
// never diverge.
type Service struct {
	cfg        *config.Config
	configPath string
	running    RunningFunc
	emitter    *events.Emitter
	logger     *slog.Logger

	mu sync.Mutex
}

// New creates the batch config service. running may be nil (no batches
// are ever considered running); emitter may be nil (no fan-out).
func New(cfg *config.Config, configPath string, running RunningFunc, emitter *events.Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		configPath: configPath,
		running:    running,
		emitter:    emitter,
		logger:     logger.With(slog.String("component", "batchconfig")),
	}
}

// CreateRequest carries the fields of a new batch definition. A zero
// SlotID asks for automatic allocation.
type CreateRequest struct {
	ID              string
	Name            string
	SequencePackage string
	SlotID          int
	AutoStart       bool
	Hardware        map[string]map[string]any
	Parameters      map[string]any
	Config          map[string]any
	ProcessID       int
}

// Create validates, persists, and registers a new batch definition.
func (s *Service) Create(req CreateRequest) (*config.BatchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.ID == "" {
		return nil, &stationerrors.ValidationError{Field: "id", Message: "batch id is required"}
	}
	if req.Name == "" {
		return nil, &stationerrors.ValidationError{Field: "name", Message: "batch name is required"}
	}
	if req.SequencePackage == "" {
		return nil, &stationerrors.ValidationError{Field: "sequence_package", Message: "sequence package is required"}
	}
	if s.cfg.Batch(req.ID) != nil {
		return nil, &stationerrors.AlreadyExistsError{Resource: "batch", ID: req.ID}
	}

	slotID := req.SlotID
	if slotID == 0 {
		free, ok := s.lowestFreeSlot()
		if !ok {
			return nil, &stationerrors.ValidationError{
				Field:   "slot_id",
				Message: "all batch slots are taken",
			}
		}
		slotID = free
	} else {
		if slotID < 1 || slotID > config.MaxSlots {
			return nil, &stationerrors.ValidationError{
				Field:   "slot_id",
				Message: "slot_id out of range",
			}
		}
		if other := s.slotOwner(slotID); other != "" {
			return nil, &stationerrors.ValidationError{
				Field:   "slot_id",
				Message: "slot already taken by batch " + other,
			}
		}
	}

	batch := &config.BatchConfig{
		ID:              req.ID,
		Name:            req.Name,
		SequencePackage: req.SequencePackage,
		SlotID:          slotID,
		AutoStart:       req.AutoStart,
		Hardware:        req.Hardware,
		Parameters:      req.Parameters,
		Config:          req.Config,
		ProcessID:       req.ProcessID,
	}

	// Persist first: the file is the source of truth across restarts.
	s.cfg.AddBatch(batch)
	if err := config.Save(s.cfg, s.configPath); err != nil {
		s.cfg.RemoveBatch(batch.ID)
		return nil, err
	}

	s.emit(events.EvtBatchCreated, batch.ID, map[string]any{
		"name":    batch.Name,
		"slot_id": batch.SlotID,
	})
	s.logger.Info("batch created",
		slog.String("batch_id", batch.ID), slog.Int("slot_id", batch.SlotID))
	return batch, nil
}

// UpdateRequest carries partial updates. Nil map fields and empty
// scalars leave the current value untouched; map fields are merged.
type UpdateRequest struct {
	Name            string
	SequencePackage string
	AutoStart       *bool
	Hardware        map[string]map[string]any
	Parameters      map[string]any
	Config          map[string]any
	ProcessID       *int
}

// Update mutates an existing definition. Rejected while the batch runs.
func (s *Service) Update(batchID string, req UpdateRequest) (*config.BatchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.cfg.Batch(batchID)
	if batch == nil {
		return nil, &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}
	if s.isRunning(batchID) {
		return nil, &stationerrors.AlreadyRunningError{BatchID: batchID}
	}

	// Publish a fresh definition instead of editing the shared one, so
	// concurrent readers never observe a half-applied update and a failed
	// save rolls back by restoring the original pointer.
	updated := *batch
	if req.Name != "" {
		updated.Name = req.Name
	}
	if req.SequencePackage != "" {
		updated.SequencePackage = req.SequencePackage
	}
	if req.AutoStart != nil {
		updated.AutoStart = *req.AutoStart
	}
	if req.ProcessID != nil {
		updated.ProcessID = *req.ProcessID
	}
	if req.Parameters != nil {
		updated.Parameters = mergeMap(batch.Parameters, req.Parameters)
	}
	if req.Config != nil {
		updated.Config = mergeMap(batch.Config, req.Config)
	}
	if req.Hardware != nil {
		updated.Hardware = mergeHardware(batch.Hardware, req.Hardware)
	}

	s.cfg.ReplaceBatch(&updated)
	if err := config.Save(s.cfg, s.configPath); err != nil {
		s.cfg.ReplaceBatch(batch)
		return nil, err
	}

	s.logger.Info("batch updated", slog.String("batch_id", batchID))
	return &updated, nil
}

// Delete removes a definition. Rejected while the batch runs.
func (s *Service) Delete(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Batch(batchID) == nil {
		return &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}
	if s.isRunning(batchID) {
		return &stationerrors.AlreadyRunningError{BatchID: batchID}
	}

	removed, idx := s.cfg.RemoveBatch(batchID)
	if removed == nil {
		return &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
	}
	if err := config.Save(s.cfg, s.configPath); err != nil {
		s.cfg.InsertBatch(idx, removed)
		return err
	}

	s.emit(events.EvtBatchDeleted, batchID, nil)
	s.logger.Info("batch deleted", slog.String("batch_id", batchID))
	return nil
}

// List returns the current definitions.
func (s *Service) List() []*config.BatchConfig {
	return s.cfg.BatchList()
}

// Get returns one definition or a NotFoundError.
func (s *Service) Get(batchID string) (*config.BatchConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b := s.cfg.Batch(batchID); b != nil {
		return b, nil
	}
	return nil, &stationerrors.NotFoundError{Resource: "batch", ID: batchID}
}

func (s *Service) isRunning(batchID string) bool {
	return s.running != nil && s.running(batchID)
}

func (s *Service) emit(eventType, batchID string, data map[string]any) {
	if s.emitter != nil {
		s.emitter.Emit(eventType, batchID, data)
	}
}

// lowestFreeSlot finds the smallest unused slot in [1..MaxSlots].
func (s *Service) lowestFreeSlot() (int, bool) {
	batches := s.cfg.BatchList()
	taken := make(map[int]struct{}, len(batches))
	for _, b := range batches {
		taken[b.SlotID] = struct{}{}
	}
	for slot := 1; slot <= config.MaxSlots; slot++ {
		if _, used := taken[slot]; !used {
			return slot, true
		}
	}
	return 0, false
}

func (s *Service) slotOwner(slotID int) string {
	for _, b := range s.cfg.BatchList() {
		if b.SlotID == slotID {
			return b.ID
		}
	}
	return ""
}

func mergeMap(base, overlay map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func mergeHardware(base, overlay map[string]map[string]any) map[string]map[string]any {
	merged := make(map[string]map[string]any, len(base)+len(overlay))
	for device, settings := range base {
		merged[device] = settings
	}
	for device, settings := range overlay {
		merged[device] = mergeMap(merged[device], settings)
	}
	return merged
}
