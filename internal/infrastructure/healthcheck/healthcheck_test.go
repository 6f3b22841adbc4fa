package healthcheck_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/infrastructure/healthcheck"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/infrastructure/projector"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
)

type fixedStatus struct {
	st  projector.Status
	err error
}

func (f fixedStatus) Status(context.Context) (projector.Status, error) { return f.st, f.err }

type haltState struct{ err error }

func (h haltState) HaltReason() error { return h.err }

func TestProjectionLagChecker(t *testing.T) {
	tests := []struct {
		name     string
		status   fixedStatus
		healthy  bool
		degraded bool
	}{
		{"caught up", fixedStatus{st: projector.Status{Checkpoint: 10, Tail: 10}}, true, false},
		{"warning", fixedStatus{st: projector.Status{Checkpoint: 0, Tail: 150, Lag: 150}}, true, true},
		{"critical", fixedStatus{st: projector.Status{Checkpoint: 0, Tail: 5000, Lag: 5000}}, false, true},
		{"status error", fixedStatus{err: errors.New("db down")}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := healthcheck.NewProjectionLagChecker(tt.status)

			st := c.Check(context.Background())

			assert.Equal(t, tt.healthy, st.Healthy)
			assert.Equal(t, tt.degraded, st.Degraded)
			assert.Equal(t, "projection_lag", c.Name())
		})
	}
}

func TestJobQueueChecker(t *testing.T) {
	ctx := context.Background()
	q := repair.NewMemoryQueue()
	c := healthcheck.NewJobQueueChecker(q, 2)

	// Arrange - healthy empty queue
	assert.True(t, c.Check(ctx).Healthy)

	// Act - a recorded incident is a failed job
	_, err := repair.NewScheduler(q, nil).RecordIncident(ctx, "order-1", errors.New("corrupt stream"))
	require.NoError(t, err)

	// Assert
	st := c.Check(ctx)
	assert.False(t, st.Healthy)
	assert.Equal(t, int64(1), st.Details["failed_jobs"])
}

func TestConsumerChecker(t *testing.T) {
	assert.True(t, healthcheck.NewConsumerChecker(haltState{}).Check(context.Background()).Healthy)

	st := healthcheck.NewConsumerChecker(haltState{err: errors.New("unknown variant")}).Check(context.Background())
	assert.False(t, st.Healthy)
	assert.Contains(t, st.Message, "unknown variant")
}

type incidentState struct {
	haltState
	aggregateID string
	incidentID  string
	at          time.Time
}

func (s incidentState) LastIncident() (string, string, time.Time) {
	return s.aggregateID, s.incidentID, s.at
}

func TestConsumerChecker_IncidentDetails(t *testing.T) {
	// Arrange
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := incidentState{
		haltState:   haltState{err: errors.New("projection version gap")},
		aggregateID: "order-7",
		incidentID:  "job-42",
		at:          at,
	}

	// Act
	st := healthcheck.NewConsumerChecker(state).Check(context.Background())

	// Assert
	assert.False(t, st.Healthy)
	assert.Equal(t, true, st.Details[httpserver.DetailHalted])
	assert.Equal(t, "projection version gap", st.Details[httpserver.DetailHaltReason])
	assert.Equal(t, "order-7", st.Details[httpserver.DetailAggregateID])
	assert.Equal(t, "job-42", st.Details[httpserver.DetailIncidentID])
	assert.Equal(t, at, st.Details[httpserver.DetailHaltedAt])
}

func TestRegistry_SummarizesProjection(t *testing.T) {
	// Arrange
	halted := incidentState{haltState: haltState{err: errors.New("corrupt stream")}, aggregateID: "order-7", incidentID: "job-42"}
	r := healthcheck.NewRegistry(
		healthcheck.NewConsumerChecker(halted),
		healthcheck.NewProjectionLagChecker(fixedStatus{st: projector.Status{Checkpoint: 40, Tail: 45, Lag: 5}}),
	)

	// Act
	components := r.GetHealthStatus(context.Background())
	summary := httpserver.SummarizeProjection(components)

	// Assert
	require.Len(t, components, 2)
	assert.False(t, components[0].CheckedAt.IsZero())
	assert.Equal(t, httpserver.StatusUnhealthy, httpserver.OverallStatus(components))
	require.NotNil(t, summary)
	assert.True(t, summary.Halted)
	assert.Equal(t, "corrupt stream", summary.HaltReason)
	assert.Equal(t, "order-7", summary.AggregateID)
	assert.Equal(t, "job-42", summary.IncidentID)
	require.NotNil(t, summary.Lag)
	assert.Equal(t, int64(5), *summary.Lag)
	require.NotNil(t, summary.Checkpoint)
	assert.Equal(t, int64(40), *summary.Checkpoint)
}

func TestRegistry(t *testing.T) {
	ok := healthcheck.NewPingChecker("ok", func(context.Context) error { return nil })
	lagging := healthcheck.NewProjectionLagChecker(fixedStatus{st: projector.Status{Lag: 200, Tail: 200}})
	down := healthcheck.NewPingChecker("down", func(context.Context) error { return errors.New("refused") })

	t.Run("degraded is still ready", func(t *testing.T) {
		r := healthcheck.NewRegistry(ok, lagging)

		components := r.GetHealthStatus(context.Background())

		require.Len(t, components, 2)
		assert.Equal(t, httpserver.StatusHealthy, components[0].Status)
		assert.Equal(t, httpserver.StatusDegraded, components[1].Status)
		assert.True(t, r.IsReady(context.Background()))
	})

	t.Run("unhealthy component", func(t *testing.T) {
		r := healthcheck.NewRegistry(ok)
		r.Add(down)

		assert.False(t, r.IsReady(context.Background()))
		components := r.GetHealthStatus(context.Background())
		assert.Equal(t, "down", components[1].Name)
		assert.Contains(t, components[1].Message, "refused")
	})
}
