// Package main runs the background jobs without the HTTP API: payment
// polling, the FundsLocked subscriber, the reaper sweeps and pool upkeep.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/timelock-gifts/internal/app"
	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/logging"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer application.Close()

	workers, err := application.Workers(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build workers")
	}
	if err := workers.StartAll(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start workers")
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := workers.StopAll(shutdownCtx); err != nil {
		logger.WithError(err).Error("Workers did not stop cleanly")
	}

	for _, status := range workers.Statuses() {
		logger.WithFields(map[string]interface{}{
			"worker":      status.Name,
			"runs":        status.Runs,
			"failed_runs": status.FailedRuns,
		}).Info("Worker summary")
	}
	logger.Info("All workers stopped")
}
