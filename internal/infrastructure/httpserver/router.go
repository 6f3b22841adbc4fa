package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lllypuk/orderledger/internal/middleware"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger *slog.Logger

	// AdminMiddleware guards the admin route group.
	AdminMiddleware echo.MiddlewareFunc

	// RateLimitMiddleware is applied to the API group when set.
	RateLimitMiddleware echo.MiddlewareFunc

	LoggingConfig  middleware.LoggingConfig
	RecoveryConfig middleware.RecoveryConfig

	// APIPrefix is the prefix for all API routes. Default is "/api/v1".
	APIPrefix string
}

// DefaultRouterConfig returns a RouterConfig with sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Logger:         slog.Default(),
		LoggingConfig:  middleware.DefaultLoggingConfig(),
		RecoveryConfig: middleware.DefaultRecoveryConfig(),
		APIPrefix:      "/api/v1",
	}
}

// Router manages HTTP route groups and middleware chains.
type Router struct {
	echo   *echo.Echo
	config RouterConfig
	logger *slog.Logger

	api   *echo.Group
	admin *echo.Group
}

// NewRouter creates a new router with the given configuration.
func NewRouter(e *echo.Echo, config RouterConfig) *Router {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.APIPrefix == "" {
		config.APIPrefix = "/api/v1"
	}

	r := &Router{
		echo:   e,
		config: config,
		logger: config.Logger,
	}

	// Recovery must be first to catch all panics
	e.Use(middleware.RecoveryWithConfig(config.RecoveryConfig))
	e.Use(middleware.Logging(config.LoggingConfig))

	e.HTTPErrorHandler = r.handleError

	r.api = e.Group(config.APIPrefix)
	if config.RateLimitMiddleware != nil {
		r.api.Use(config.RateLimitMiddleware)
	}

	if config.AdminMiddleware != nil {
		r.admin = r.api.Group("/admin", config.AdminMiddleware)
	} else {
		r.admin = r.api.Group("/admin")
		r.logger.Warn("no admin middleware configured, admin routes are public")
	}

	return r
}

// Echo returns the underlying Echo instance.
func (r *Router) Echo() *echo.Echo {
	return r.echo
}

// API returns the public API route group.
func (r *Router) API() *echo.Group {
	return r.api
}

// Admin returns the operational route group.
func (r *Router) Admin() *echo.Group {
	return r.admin
}

// RouteRegistrar defines the interface for registering routes.
type RouteRegistrar interface {
	RegisterRoutes(r *Router)
}

// RegisterAll registers all route registrars with the router.
func (r *Router) RegisterAll(registrars ...RouteRegistrar) {
	for _, registrar := range registrars {
		registrar.RegisterRoutes(r)
	}
}

// RegisterHealthEndpointsWithChecker registers health endpoints with a HealthChecker.
func (r *Router) RegisterHealthEndpointsWithChecker(checker HealthChecker) {
	NewHealthEndpoints(checker).Register(r.echo)
}

// RegisterMetricsEndpoint registers the Prometheus metrics endpoint for the given gatherer.
func (r *Router) RegisterMetricsEndpoint(gatherer prometheus.Gatherer) {
	r.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// PrintRoutes logs all registered routes.
func (r *Router) PrintRoutes() {
	for _, route := range r.echo.Routes() {
		r.logger.Debug("registered route",
			slog.String("method", route.Method),
			slog.String("path", route.Path),
		)
	}
}

// handleError renders echo errors (unknown routes, bad methods, bind failures)
// in the API error format.
func (r *Router) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := "HTTP_ERROR"
		switch he.Code {
		case http.StatusNotFound:
			code = "NOT_FOUND"
		case http.StatusMethodNotAllowed:
			code = "METHOD_NOT_ALLOWED"
		case http.StatusBadRequest:
			code = "INVALID_INPUT"
		}
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		_ = RespondErrorWithCode(c, he.Code, code, msg)
		return
	}

	_ = RespondError(c, err)
}
