package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
)

const defaultCheckTimeout = 3 * time.Second

// Registry runs a set of checkers and serves the HTTP health endpoints.
type Registry struct {
	checkers []appcore.HealthChecker
	timeout  time.Duration
}

// NewRegistry creates a registry over the given checkers.
func NewRegistry(checkers ...appcore.HealthChecker) *Registry {
	return &Registry{checkers: checkers, timeout: defaultCheckTimeout}
}

// Add registers another checker.
func (r *Registry) Add(c appcore.HealthChecker) {
	r.checkers = append(r.checkers, c)
}

// IsReady reports whether no component is unhealthy.
func (r *Registry) IsReady(ctx context.Context) bool {
	for _, st := range r.GetHealthStatus(ctx) {
		if st.Status == httpserver.StatusUnhealthy {
			return false
		}
	}
	return true
}

// GetHealthStatus runs every checker concurrently, each bounded by the registry timeout.
func (r *Registry) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	out := make([]httpserver.ComponentStatus, len(r.checkers))

	var wg sync.WaitGroup
	for i, c := range r.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			out[i] = toComponent(c.Name(), c.Check(checkCtx))
		}()
	}
	wg.Wait()

	return out
}

func toComponent(name string, st appcore.HealthStatus) httpserver.ComponentStatus {
	status := httpserver.StatusHealthy
	switch {
	case !st.Healthy:
		status = httpserver.StatusUnhealthy
	case st.Degraded:
		status = httpserver.StatusDegraded
	}
	return httpserver.ComponentStatus{
		Name:      name,
		Status:    status,
		Message:   st.Message,
		Details:   st.Details,
		CheckedAt: st.CheckedAt,
	}
}

var _ httpserver.HealthChecker = (*Registry)(nil)
