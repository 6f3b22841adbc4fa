// Package httpserver provides the HTTP server, routing, error mapping and health endpoints.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Component statuses and the overall verdicts built from them.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// Detail keys shared by the projection checkers and the details summary.
const (
	DetailHalted      = "halted"
	DetailHaltReason  = "halt_reason"
	DetailIncidentID  = "incident_id"
	DetailAggregateID = "aggregate_id"
	DetailHaltedAt    = "halted_at"
	DetailCheckpoint  = "checkpoint"
	DetailTail        = "tail"
	DetailLag         = "lag"
	DetailFailedJobs  = "failed_jobs"
)

// ComponentStatus is the result of one health checker.
type ComponentStatus struct {
	Name      string         `json:"name"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at,omitzero"`
}

// ProjectionSummary condenses what an operator needs to decide between
// waiting, repairing one order and rebuilding everything.
type ProjectionSummary struct {
	Halted      bool   `json:"halted"`
	HaltReason  string `json:"halt_reason,omitempty"`
	IncidentID  string `json:"incident_id,omitempty"`
	AggregateID string `json:"aggregate_id,omitempty"`
	Checkpoint  *int64 `json:"checkpoint,omitempty"`
	Tail        *int64 `json:"tail,omitempty"`
	Lag         *int64 `json:"lag,omitempty"`
	FailedJobs  *int64 `json:"failed_jobs,omitempty"`
}

// HealthResponse is returned by every health endpoint.
type HealthResponse struct {
	Status     string             `json:"status"`
	Projection *ProjectionSummary `json:"projection,omitempty"`
	Components []ComponentStatus  `json:"components,omitempty"`
}

// HealthChecker aggregates component checks. Implemented by healthcheck.Registry.
type HealthChecker interface {
	IsReady(ctx context.Context) bool
	GetHealthStatus(ctx context.Context) []ComponentStatus
}

// HealthEndpoints serves liveness, readiness and detailed health.
type HealthEndpoints struct {
	checker HealthChecker
}

// NewHealthEndpoints creates health endpoints over checker, which may be nil.
func NewHealthEndpoints(checker HealthChecker) *HealthEndpoints {
	return &HealthEndpoints{checker: checker}
}

// Register mounts /health, /ready and /health/details.
func (h *HealthEndpoints) Register(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/ready", h.handleReady)
	e.GET("/health/details", h.handleHealthDetails)
}

func (h *HealthEndpoints) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: StatusHealthy})
}

// handleReady fails while any component is unhealthy, including a halted
// projection consumer, so traffic moves away from a node serving stale reads.
func (h *HealthEndpoints) handleReady(c echo.Context) error {
	ctx := c.Request().Context()
	components := h.components(ctx)

	if h.checker == nil || h.checker.IsReady(ctx) {
		return c.JSON(http.StatusOK, HealthResponse{Status: StatusReady, Components: components})
	}
	return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: StatusNotReady, Components: components})
}

func (h *HealthEndpoints) handleHealthDetails(c echo.Context) error {
	components := h.components(c.Request().Context())
	status := OverallStatus(components)

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	return c.JSON(code, HealthResponse{
		Status:     status,
		Projection: SummarizeProjection(components),
		Components: components,
	})
}

func (h *HealthEndpoints) components(ctx context.Context) []ComponentStatus {
	if h.checker == nil {
		return nil
	}
	return h.checker.GetHealthStatus(ctx)
}

// OverallStatus is unhealthy if any component is, degraded if any component
// is, and healthy otherwise.
func OverallStatus(components []ComponentStatus) string {
	status := StatusHealthy
	for _, comp := range components {
		switch comp.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// SummarizeProjection collects the projection details reported by the
// components. It returns nil when no component reports any.
func SummarizeProjection(components []ComponentStatus) *ProjectionSummary {
	var summary ProjectionSummary
	found := false

	for _, comp := range components {
		d := comp.Details
		if len(d) == 0 {
			continue
		}
		if halted, ok := d[DetailHalted].(bool); ok {
			found = true
			summary.Halted = summary.Halted || halted
		}
		found = stringDetail(d, DetailHaltReason, &summary.HaltReason) || found
		found = stringDetail(d, DetailIncidentID, &summary.IncidentID) || found
		found = stringDetail(d, DetailAggregateID, &summary.AggregateID) || found
		found = intDetail(d, DetailCheckpoint, &summary.Checkpoint) || found
		found = intDetail(d, DetailTail, &summary.Tail) || found
		found = intDetail(d, DetailLag, &summary.Lag) || found
		found = intDetail(d, DetailFailedJobs, &summary.FailedJobs) || found
	}

	if !found {
		return nil
	}
	return &summary
}

func stringDetail(d map[string]any, key string, dst *string) bool {
	v, ok := d[key].(string)
	if !ok || v == "" {
		return false
	}
	*dst = v
	return true
}

func intDetail(d map[string]any, key string, dst **int64) bool {
	var v int64
	switch n := d[key].(type) {
	case int64:
		v = n
	case int:
		v = int64(n)
	default:
		return false
	}
	*dst = &v
	return true
}
