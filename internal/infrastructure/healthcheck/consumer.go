package healthcheck

import (
	"context"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
)

// ConsumerState exposes why the projection consumer stopped, if it did.
type ConsumerState interface {
	HaltReason() error
}

// IncidentSource is implemented by consumers that record an incident when
// they halt. incidentID is empty until the incident is stored.
type IncidentSource interface {
	LastIncident() (aggregateID, incidentID string, haltedAt time.Time)
}

// ConsumerChecker reports a halted projection consumer.
type ConsumerChecker struct {
	state ConsumerState
}

// NewConsumerChecker creates a new consumer health checker.
func NewConsumerChecker(state ConsumerState) *ConsumerChecker {
	return &ConsumerChecker{state: state}
}

// Name returns the name of this health checker.
func (c *ConsumerChecker) Name() string {
	return "projection_consumer"
}

// Check performs the health check.
func (c *ConsumerChecker) Check(context.Context) appcore.HealthStatus {
	reason := c.state.HaltReason()
	if reason == nil {
		return appcore.HealthStatus{
			Healthy:   true,
			Message:   "projection consumer running",
			Details:   map[string]any{httpserver.DetailHalted: false},
			CheckedAt: time.Now(),
		}
	}

	details := map[string]any{
		httpserver.DetailHalted:     true,
		httpserver.DetailHaltReason: reason.Error(),
	}
	if src, ok := c.state.(IncidentSource); ok {
		aggregateID, incidentID, haltedAt := src.LastIncident()
		details[httpserver.DetailAggregateID] = aggregateID
		details[httpserver.DetailIncidentID] = incidentID
		if !haltedAt.IsZero() {
			details[httpserver.DetailHaltedAt] = haltedAt
		}
	}

	return appcore.HealthStatus{
		Healthy:   false,
		Message:   "projection consumer halted: " + reason.Error(),
		Details:   details,
		CheckedAt: time.Now(),
	}
}
