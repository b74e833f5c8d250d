// Package main implements the entry point for the analysis engine
// service: an asynchronous scheduler that accepts analysis jobs over
// HTTP, executes them with bounded concurrency, and survives restarts
// through its durable job store.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/finsight/analysis-engine/internal/config"
	"github.com/finsight/analysis-engine/internal/platform/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := logger.Setup(cfg.Server.LogLevel)
	appLogger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"max_concurrent_jobs", cfg.Engine.MaxConcurrentJobs,
		"database_configured", cfg.Database.URL != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, appLogger)
	if err != nil {
		appLogger.Error("failed to initialize application", "error", err)
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		appLogger.Error("application exited with error", "error", err)
		log.Fatalf("Application error: %v", err)
	}
}
