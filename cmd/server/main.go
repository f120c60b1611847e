// Package main provides the API server entry point for the gift service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/timelock-gifts/internal/api"
	"github.com/timelock-gifts/internal/app"
	"github.com/timelock-gifts/internal/config"
	"github.com/timelock-gifts/internal/logging"
	"github.com/timelock-gifts/internal/worker"
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

	// the API process can host the background jobs too; /health then reports them
	var workers *worker.Manager
	if cfg.Workers.Enabled {
		workers, err = application.Workers(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Failed to build workers")
		}
		if err := workers.StartAll(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start workers")
		}
	}

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		AdminToken:        cfg.Server.AdminToken,
	}

	var statuses api.WorkerStatuses
	if workers != nil {
		statuses = workers
	}
	server := api.NewServer(serverConfig, application.Gifts, application.Claims, application.Locks, application.Reaper, statuses, application.Chain)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	if workers != nil {
		if err := workers.StopAll(shutdownCtx); err != nil {
			logger.WithError(err).Error("Workers did not stop cleanly")
		}
	}

	logger.Info("Server exited")
}
