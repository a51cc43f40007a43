// ScreenPledge - Settlement and billing orchestrator for weekly
// screen-time commitments
package main

import (
	"context"
	"os"

	"github.com/screenpledge/screenpledge/internal/config"
	"github.com/screenpledge/screenpledge/internal/logging"
	"github.com/screenpledge/screenpledge/internal/server"
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

	logger.Info("starting screenpledge",
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
		"settle_concurrency", cfg.SettleConcurrency,
		"expiry_check_interval", cfg.ExpiryCheckInterval.String(),
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
