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

// stationd-worker runs one batch: it connects back to the manager's IPC
// sockets, executes sequences as CLI subprocesses, and talks to the MES
// backend. It is spawned by stationd and not meant to be run by hand.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/log"
	"github.com/mfgkit/stationd/internal/worker"
)

func main() {
	var (
		batchID    = pflag.String("batch-id", "", "batch to run (required)")
		configPath = pflag.String("config", "", "station config file")
	)
	pflag.Parse()

	if *batchID == "" {
		fmt.Fprintln(os.Stderr, "stationd-worker: --batch-id is required")
		os.Exit(2)
	}

	logger := log.WithBatch(log.New(log.FromEnv()), *batchID)
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	w, err := worker.New(cfg, *batchID, logger)
	if err != nil {
		logger.Error("failed to create worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := w.Run(context.Background()); err != nil {
		logger.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}
