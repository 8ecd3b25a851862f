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

package worker

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mfgkit/stationd/internal/config"
	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// Driver is a station-side hardware device usable through MANUAL_CONTROL.
// Sequence subprocesses talk to hardware themselves; drivers here exist
// for operator-initiated control while no sequence is running.
type Driver interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	// Command executes one named operation with free-form arguments.
	Command(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

// DriverFactory builds a driver from its hardware config block.
type DriverFactory func(device string, settings map[string]any, logger *slog.Logger) (Driver, error)

var (
	driverMu        sync.RWMutex
	driverFactories = map[string]DriverFactory{}
)

// RegisterDriver makes a driver type available to hardware config blocks
// with a matching "type" key.
func RegisterDriver(driverType string, factory DriverFactory) {
	driverMu.Lock()
	defer driverMu.Unlock()
	driverFactories[driverType] = factory
}

func init() {
	RegisterDriver("noop", newNoopDriver)
}

// connectDrivers instantiates and connects every device in the hardware
// map. Devices without a "type" key are assumed to be consumed by the
// sequence subprocess only and are skipped.
func connectDrivers(ctx context.Context, hardware map[string]map[string]any, logger *slog.Logger) (map[string]Driver, error) {
	drivers := make(map[string]Driver)
	for device, settings := range hardware {
		driverType, _ := settings["type"].(string)
		if driverType == "" {
			continue
		}

		driverMu.RLock()
		factory, ok := driverFactories[driverType]
		driverMu.RUnlock()
		if !ok {
			disconnectDrivers(drivers, logger)
			return nil, &stationerrors.DriverNotFoundError{Device: device}
		}

		driver, err := factory(device, settings, logger)
		if err != nil {
			disconnectDrivers(drivers, logger)
			return nil, &stationerrors.DriverCommandError{Device: device, Command: "init", Cause: err}
		}
		if err := driver.Connect(ctx); err != nil {
			disconnectDrivers(drivers, logger)
			return nil, &stationerrors.DriverCommandError{Device: device, Command: "connect", Cause: err}
		}
		drivers[device] = driver
		logger.Info("driver connected", slog.String("device", device), slog.String("type", driverType))
	}
	return drivers, nil
}

func disconnectDrivers(drivers map[string]Driver, logger *slog.Logger) {
	for device, driver := range drivers {
		if err := driver.Disconnect(); err != nil {
			logger.Warn("driver disconnect failed", slog.String("device", device), slog.Any("error", err))
		}
	}
}

// noopDriver accepts every command and returns its arguments, for bench
// bring-up and tests.
type noopDriver struct {
	name string
}

func newNoopDriver(device string, settings map[string]any, logger *slog.Logger) (Driver, error) {
	return &noopDriver{name: device}, nil
}

func (d *noopDriver) Name() string { return d.name }

func (d *noopDriver) Connect(context.Context) error { return nil }

func (d *noopDriver) Disconnect() error { return nil }

func (d *noopDriver) Command(_ context.Context, name string, args map[string]any) (map[string]any, error) {
	return map[string]any{"command": name, "args": args, "ok": true}, nil
}

// BarcodeFunc receives each scanned barcode.
type BarcodeFunc func(code string)

// barcodeScanner reads newline-terminated scans from a scanner device on
// a dedicated goroutine; device reads are blocking.
type barcodeScanner struct {
	cfg    *config.BarcodeScannerConfig
	onScan BarcodeFunc
	logger *slog.Logger

	file *os.File
	done chan struct{}
}

func startBarcodeScanner(cfg *config.BarcodeScannerConfig, onScan BarcodeFunc, logger *slog.Logger) (*barcodeScanner, error) {
	f, err := os.Open(cfg.Port)
	if err != nil {
		return nil, &stationerrors.DriverCommandError{Device: "barcode_scanner", Command: "open", Cause: err}
	}

	s := &barcodeScanner{
		cfg:    cfg,
		onScan: onScan,
		logger: logger.With(slog.String("component", "barcode")),
		file:   f,
		done:   make(chan struct{}),
	}
	go s.loop()
	return s, nil
}

func (s *barcodeScanner) loop() {
	defer close(s.done)

	reader := bufio.NewScanner(s.file)
	for reader.Scan() {
		code := strings.TrimSpace(reader.Text())
		if code == "" {
			continue
		}
		s.logger.Info("barcode scanned", slog.String("code", code))
		s.onScan(code)
	}
	if err := reader.Err(); err != nil {
		s.logger.Warn("barcode scanner read failed", slog.Any("error", err))
	}
}

func (s *barcodeScanner) Close() {
	s.file.Close()
	<-s.done
}
