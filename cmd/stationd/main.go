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

// stationd is the station manager daemon: it supervises batch worker
// processes, serves the WebSocket event stream, and syncs results to
// the MES backend.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mfgkit/stationd/internal/config"
	"github.com/mfgkit/stationd/internal/log"
	"github.com/mfgkit/stationd/internal/service"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "stationd",
		Short:         "Manufacturing test station supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"station config file (default $STATION_CONFIG or station.yaml)")

	root.AddCommand(serveCommand(&configPath))
	root.AddCommand(validateCommand(&configPath))
	root.AddCommand(versionCommand())
	return root
}

func serveCommand(configPath *string) *cobra.Command {
	var workerBin string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the station manager",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			path := *configPath
			if path == "" {
				path = config.Path()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			service.Version = version
			container := service.New(service.Options{
				Config:     cfg,
				ConfigPath: path,
				WorkerBin:  workerBin,
				Logger:     logger,
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := container.Initialize(ctx); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", slog.String("signal", sig.String()))

			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()
			container.Shutdown(shutdownCtx)
			return nil
		},
	}
	cmd.Flags().StringVar(&workerBin, "worker-bin", "",
		"path to the stationd-worker executable (default: next to stationd)")
	return cmd
}

func validateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the station config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := *configPath
			if path == "" {
				path = config.Path()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (%d batches)\n", path, len(cfg.Batches))
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("stationd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}
