// Command server runs one role of the fraud scoring service. WORKER_MODE
// selects the role: api, realtime or batch.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/antifraudhub/antifraudhub/internal/config"
	"github.com/antifraudhub/antifraudhub/internal/logging"
	"github.com/antifraudhub/antifraudhub/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// LOG_LEVEL/LOG_FORMAT are read directly so config errors are logged
	// in the configured shape too.
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		var se *config.StartupError
		if errors.As(err, &se) {
			logger.Error("invalid configuration", "key", se.Key, "error", se.Err)
		} else {
			logger.Error("failed to load config", "error", err)
		}
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting antifraudhub",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"worker_mode", cfg.WorkerMode,
		"env", cfg.Env,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "worker_mode", cfg.WorkerMode, "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
