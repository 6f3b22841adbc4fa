// Package main provides the API server entry point.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lllypuk/orderledger/internal/config"
	"github.com/lllypuk/orderledger/internal/container"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		//nolint:sloglint // No context available before logger setup
		slog.Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup logger
	logger := container.SetupLogger(cfg)

	logger.Info("starting orderledger API server",
		slog.String("version", "0.1.0"),
		slog.String("environment", cfg.App.Environment),
		slog.String("storage", cfg.Storage.Driver),
	)

	// Build DI container
	c, err := container.New(cfg, container.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build container", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Create a context that will be cancelled on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		BodyLimit:       cfg.Server.BodyLimit,
	}, logger)

	SetupRoutes(server, c)

	// Projection workers run in-process unless a separate worker service owns them
	var workers sync.WaitGroup
	if cfg.Projection.EmbeddedWorkers {
		workers.Add(1)
		go func() {
			defer workers.Done()
			c.RunWorkers(ctx)
		}()
	}

	// Start graceful shutdown handler
	go gracefulShutdown(ctx, cancel, server, logger)

	if serverErr := server.Start(); serverErr != nil {
		logger.Error("server error", slog.String("error", serverErr.Error()))
		cancel()
		workers.Wait()
		_ = c.Close()
		os.Exit(1) //nolint:gocritic // Intentional exit after cleanup
	}

	// Start returns once Shutdown has run; wait for workers before closing storage
	cancel()
	workers.Wait()

	if closeErr := c.Close(); closeErr != nil {
		logger.Error("container close error", slog.String("error", closeErr.Error()))
	}

	logger.Info("server shutdown complete")
}

// gracefulShutdown stops the HTTP server on OS signals or when ctx is cancelled.
func gracefulShutdown(
	ctx context.Context,
	cancel context.CancelFunc,
	server *httpserver.Server,
	logger *slog.Logger,
) {
	// Listen for shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	// Create a background context for shutdown logging
	shutdownLogCtx := context.Background()

	select {
	case sig := <-quit:
		logger.InfoContext(shutdownLogCtx, "received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.InfoContext(shutdownLogCtx, "context cancelled, initiating shutdown")
	}

	// 1. Stop accepting new connections
	if err := server.Shutdown(shutdownLogCtx); err != nil {
		logger.ErrorContext(shutdownLogCtx, "server shutdown error", slog.String("error", err.Error()))
	}

	// 2. Cancel the main context to stop background workers
	cancel()
}
