// Package main provides the worker service entry point.
// It runs the projection consumer and the rebuild/repair job worker without
// serving the order API, and exposes health and metrics on the server port.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
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

	logger.Info("starting orderledger worker service",
		slog.String("version", "0.1.0"),
		slog.String("environment", cfg.App.Environment),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("notifier", cfg.Notifier.Type),
	)

	if cfg.Projection.EmbeddedWorkers {
		logger.Warn("projection.embedded_workers is enabled; API replicas will consume projections too")
	}
	if cfg.Notifier.Type == config.NotifierInMemory {
		logger.Warn("in-memory notifier cannot reach a separate process; relying on polling",
			slog.Duration("poll_interval", cfg.Projection.PollInterval),
		)
	}

	// Create a context that will be cancelled on shutdown signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup graceful shutdown
	go handleShutdown(cancel, logger)

	c, err := container.New(cfg, container.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build container", slog.String("error", err.Error()))
		cancel()
		os.Exit(1) //nolint:gocritic // cancel() called before exit
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			logger.Error("container close error", slog.String("error", closeErr.Error()))
		}
	}()

	// Health and metrics for orchestrators
	server := httpserver.NewServer(httpserver.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	router := httpserver.NewRouter(server.Echo(), httpserver.DefaultRouterConfig())
	router.RegisterHealthEndpointsWithChecker(c)
	if cfg.Metrics.Enabled {
		router.RegisterMetricsEndpoint(c.Registry)
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("health server error", slog.String("error", serveErr.Error()))
		}
	}()

	logger.Info("starting workers",
		slog.Duration("projection_poll_interval", cfg.Projection.PollInterval),
		slog.Bool("rebuild_worker_enabled", cfg.RebuildWorker.Enabled),
		slog.Duration("rebuild_worker_poll_interval", cfg.RebuildWorker.PollInterval),
	)

	// Blocks until the context is cancelled
	c.RunWorkers(ctx)

	if shutdownErr := server.Shutdown(context.Background()); shutdownErr != nil {
		logger.Error("health server shutdown error", slog.String("error", shutdownErr.Error()))
	}

	logger.Info("worker service shutdown complete")
}

// handleShutdown cancels the context on SIGINT, SIGTERM or SIGQUIT.
func handleShutdown(cancel context.CancelFunc, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-quit
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	cancel()
}
