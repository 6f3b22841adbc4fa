// Package main provides the API server entry point.
package main

import (
	"github.com/labstack/echo/v4"

	"github.com/lllypuk/orderledger/internal/container"
	httphandler "github.com/lllypuk/orderledger/internal/handler/http"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/middleware"
)

const rateLimitKeyPrefix = "orderledger:ratelimit:"

// SetupRoutes configures all API routes and middleware chains on the server.
func SetupRoutes(server *httpserver.Server, c *container.Container) *httpserver.Router {
	routerConfig := httpserver.RouterConfig{
		Logger: c.Logger,
		AdminMiddleware: middleware.AdminAuth(middleware.AdminAuthConfig{
			Logger: c.Logger,
			Tokens: c.Config.Admin.Tokens,
		}),
		RateLimitMiddleware: rateLimitMiddleware(c),
		LoggingConfig:       middleware.DefaultLoggingConfig(),
		RecoveryConfig:      middleware.DefaultRecoveryConfig(),
		APIPrefix:           "/api/v1",
	}

	router := httpserver.NewRouter(server.Echo(), routerConfig)

	// Container implements httpserver.HealthChecker, so we pass it directly.
	router.RegisterHealthEndpointsWithChecker(c)

	if c.Config.Metrics.Enabled {
		router.RegisterMetricsEndpoint(c.Registry)
	}

	router.RegisterAll(
		httphandler.NewOrderHandler(c.Commands, c.Queries),
		httphandler.NewAdminHandler(c.Rebuilds, c.Scheduler, c.Projector, c.Leases, c.Jobs),
	)

	// Log all registered routes in debug mode
	if c.Config.IsDevelopment() {
		router.PrintRoutes()
	}

	return router
}

// rateLimitMiddleware returns nil when rate limiting is disabled. Counters
// live in Redis when it is available so that every replica shares them.
func rateLimitMiddleware(c *container.Container) echo.MiddlewareFunc {
	if !c.Config.RateLimit.Enabled {
		return nil
	}

	cfg := middleware.DefaultRateLimitConfig()
	cfg.Logger = c.Logger
	cfg.Limit = c.Config.RateLimit.Requests
	cfg.Window = c.Config.RateLimit.Window

	if c.Redis != nil {
		cfg.Store = middleware.NewRedisRateLimitStore(c.Redis, rateLimitKeyPrefix)
	} else {
		cfg.Store = middleware.NewMemoryRateLimitStore()
	}

	return middleware.RateLimit(cfg)
}
