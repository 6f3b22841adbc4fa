// Package healthcheck provides health checks for the ledger's storage and projection pipeline.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/infrastructure/projector"
)

// Default thresholds for projection lag, in events.
const (
	defaultWarningThreshold  = 100
	defaultCriticalThreshold = 1000
)

// ProjectionStatus reports consumer progress.
type ProjectionStatus interface {
	Status(ctx context.Context) (projector.Status, error)
}

// ProjectionLagChecker compares the projection checkpoint with the log tail.
type ProjectionLagChecker struct {
	status            ProjectionStatus
	warningThreshold  int64
	criticalThreshold int64
}

// ProjectionLagOption configures ProjectionLagChecker.
type ProjectionLagOption func(*ProjectionLagChecker)

// WithWarningThreshold sets the lag that marks projections degraded.
func WithWarningThreshold(threshold int64) ProjectionLagOption {
	return func(c *ProjectionLagChecker) {
		c.warningThreshold = threshold
	}
}

// WithCriticalThreshold sets the lag that marks projections unhealthy.
func WithCriticalThreshold(threshold int64) ProjectionLagOption {
	return func(c *ProjectionLagChecker) {
		c.criticalThreshold = threshold
	}
}

// NewProjectionLagChecker creates a new projection lag health checker.
func NewProjectionLagChecker(status ProjectionStatus, opts ...ProjectionLagOption) *ProjectionLagChecker {
	c := &ProjectionLagChecker{
		status:            status,
		warningThreshold:  defaultWarningThreshold,
		criticalThreshold: defaultCriticalThreshold,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Name returns the name of this health checker.
func (c *ProjectionLagChecker) Name() string {
	return "projection_lag"
}

// Check performs the health check.
func (c *ProjectionLagChecker) Check(ctx context.Context) appcore.HealthStatus {
	st, err := c.status.Status(ctx)
	if err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to get projection status: %v", err),
			CheckedAt: time.Now(),
		}
	}

	details := map[string]any{
		httpserver.DetailCheckpoint: st.Checkpoint,
		httpserver.DetailTail:       st.Tail,
		httpserver.DetailLag:        st.Lag,
		"warning_threshold":         c.warningThreshold,
		"critical_threshold":        c.criticalThreshold,
	}

	return appcore.HealthStatus{
		Healthy:   st.Lag < c.criticalThreshold,
		Degraded:  st.Lag >= c.warningThreshold,
		Message:   fmt.Sprintf("projections at offset %d of %d (lag %d)", st.Checkpoint, st.Tail, st.Lag),
		Details:   details,
		CheckedAt: time.Now(),
	}
}
