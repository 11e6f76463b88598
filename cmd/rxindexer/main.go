// Copyright 2025 RXinDexer Developers
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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/rxindexer/rxindexer/internal/api"
	"github.com/rxindexer/rxindexer/internal/chainsync"
	"github.com/rxindexer/rxindexer/internal/config"
	"github.com/rxindexer/rxindexer/internal/logging"
	"github.com/rxindexer/rxindexer/internal/node"
	"github.com/rxindexer/rxindexer/internal/parser"
	"github.com/rxindexer/rxindexer/internal/query"
	"github.com/rxindexer/rxindexer/internal/storage"
	"github.com/rxindexer/rxindexer/internal/version"

	// pprof on the debug listener
	_ "net/http/pprof"
)

const (
	programName = "rxindexer"

	shutdownTimeout = 15 * time.Second
)

var cmdlineFlags struct {
	configFile string
	version    bool
}

func main() {
	flag.StringVar(&cmdlineFlags.configFile, "config", "", "path to config file to load")
	flag.BoolVar(&cmdlineFlags.version, "version", false, "show version")
	flag.Parse()

	if cmdlineFlags.version {
		fmt.Printf("%s %s\n", programName, version.GetVersionString())
		os.Exit(0)
	}

	// Load config
	cfg, err := config.Load(cmdlineFlags.configFile)
	if err != nil {
		fmt.Printf("Failed to load config: %s\n", err)
		os.Exit(1)
	}

	// Configure logging
	logging.Configure()
	logger := logging.GetLogger()
	logger.Info(
		"starting",
		"program", programName,
		"version", version.GetVersionString(),
	)

	// Start debug listener
	if cfg.Debug.ListenPort > 0 {
		logger.Info(
			"starting debug listener",
			"address", cfg.Debug.ListenAddress,
			"port", cfg.Debug.ListenPort,
		)
		go func() {
			err := http.ListenAndServe(
				fmt.Sprintf(
					"%s:%d",
					cfg.Debug.ListenAddress,
					cfg.Debug.ListenPort,
				),
				nil,
			)
			if err != nil {
				logger.Error("failed to start debug listener", "error", err)
				os.Exit(1)
			}
		}()
	}

	// os.Exit skips deferred cleanup, so the long-running pieces live in
	// run
	os.Exit(run(cfg, logger))
}

func run(cfg *config.Config, logger *slog.Logger) int {
	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	store, err := storage.Open(
		cfg.Storage.Directory, cfg.Sync.ProgressiveSync,
	)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		return 1
	}
	defer store.Close()
	store.SetRefreshMinInterval(
		time.Duration(cfg.Sync.RefreshMinIntervalSecs) * time.Second,
	)

	client, err := node.NewClient()
	if err != nil {
		logger.Error("failed to create node client", "error", err)
		return 1
	}
	defer client.Close()

	blockParser := parser.New(
		int(cfg.Sync.Workers), int(cfg.Sync.BlockParallelThreshold),
	)
	coordinator := chainsync.NewCoordinator(client, blockParser, store)

	service, err := query.NewService(store)
	if err != nil {
		logger.Error("failed to create query service", "error", err)
		return 1
	}
	defer service.Close()
	apiServer := api.NewServer(service)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API listener failed", "error", err)
			stop()
		}
	}()

	// The API keeps serving (and reporting the error through /health) after
	// a sync halt, so operators can inspect state before restarting
	syncDone := make(chan error, 1)
	go func() {
		syncDone <- coordinator.Run(ctx)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-syncDone:
		if err != nil {
			logger.Error("sync halted", "error", err)
			exitCode = 1
			<-ctx.Done()
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), shutdownTimeout,
	)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API shutdown failed", "error", err)
	}
	return exitCode
}
