package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lllypuk/orderledger/internal/application/appcore"
)

// Scheduler turns projection requests into queue jobs.
type Scheduler struct {
	queue  Queue
	logger *slog.Logger
}

// NewScheduler creates a new Scheduler
func NewScheduler(queue Queue, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: queue, logger: logger}
}

// EnqueueRebuild schedules a full rebuild. It returns appcore.ErrRebuildInProgress
// while another rebuild job is pending or processing.
func (s *Scheduler) EnqueueRebuild(ctx context.Context, requestedBy string) (string, error) {
	id, err := s.queue.Add(ctx, Job{
		JobType:     JobTypeRebuild,
		DedupeKey:   RebuildDedupeKey,
		RequestedBy: requestedBy,
	})
	if errors.Is(err, ErrDuplicateJob) {
		return "", appcore.ErrRebuildInProgress
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue rebuild: %w", err)
	}
	return id, nil
}

// EnqueueRepair schedules a single projection repair. A repair already
// waiting for the same aggregate absorbs the request and "" is returned.
func (s *Scheduler) EnqueueRepair(ctx context.Context, aggregateID, requestedBy string) (string, error) {
	id, err := s.queue.Add(ctx, Job{
		JobType:     JobTypeRepair,
		AggregateID: aggregateID,
		DedupeKey:   string(JobTypeRepair) + ":" + aggregateID,
		RequestedBy: requestedBy,
	})
	if errors.Is(err, ErrDuplicateJob) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to enqueue repair of %s: %w", aggregateID, err)
	}
	return id, nil
}

// RecordIncident stores a failed incident job describing why the consumer halted.
func (s *Scheduler) RecordIncident(ctx context.Context, aggregateID string, cause error) (string, error) {
	id, err := s.queue.Add(ctx, Job{
		JobType:     JobTypeIncident,
		AggregateID: aggregateID,
		Status:      StatusFailed,
		Error:       errorText(cause),
		RequestedBy: "projection-consumer",
	})
	if err != nil {
		return "", fmt.Errorf("failed to record projection incident: %w", err)
	}

	s.logger.ErrorContext(ctx, "projection incident recorded",
		slog.String("job_id", id),
		slog.String("aggregate_id", aggregateID),
		slog.String("error", errorText(cause)),
	)
	return id, nil
}
