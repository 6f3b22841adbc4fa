package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
)

// JobQueueChecker checks the projection job queue. Failed jobs include
// recorded consumer incidents, so any of them make the queue unhealthy.
type JobQueueChecker struct {
	queue     repair.Queue
	threshold int64
}

// NewJobQueueChecker creates a new job queue health checker.
func NewJobQueueChecker(queue repair.Queue, threshold int64) *JobQueueChecker {
	if threshold <= 0 {
		threshold = 10
	}

	return &JobQueueChecker{
		queue:     queue,
		threshold: threshold,
	}
}

// Name returns the name of this health checker.
func (c *JobQueueChecker) Name() string {
	return "projection_jobs"
}

// Check performs the health check.
func (c *JobQueueChecker) Check(ctx context.Context) appcore.HealthStatus {
	stats, err := c.queue.GetStats(ctx)
	if err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to get projection job stats: %v", err),
			CheckedAt: time.Now(),
		}
	}

	details := map[string]any{
		"pending_jobs":              stats.PendingCount,
		"processing_jobs":           stats.ProcessingCount,
		httpserver.DetailFailedJobs: stats.FailedCount,
		"threshold":                 c.threshold,
	}

	return appcore.HealthStatus{
		Healthy:   stats.FailedCount == 0,
		Degraded:  stats.PendingCount >= c.threshold,
		Message:   fmt.Sprintf("projection jobs: %d pending, %d failed", stats.PendingCount, stats.FailedCount),
		Details:   details,
		CheckedAt: time.Now(),
	}
}
