// Imperfect Coach registry - agent discovery and pay-per-call booking
package main

import (
	"context"
	"os"

	"github.com/thisyearnofear/imperfectcoach-sub004/internal/config"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/logging"
	"github.com/thisyearnofear/imperfectcoach-sub004/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting registry",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"dev_mode", cfg.DevMode,
		"evm_network", cfg.EVMNetwork,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
