package order

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
)

// RebuildLockStatus reports whether a full rebuild currently holds the lock.
type RebuildLockStatus interface {
	RebuildRunning(ctx context.Context) (bool, error)
}

// RebuildJobQueue schedules asynchronous full rebuilds. EnqueueRebuild returns
// appcore.ErrRebuildInProgress when a rebuild job is already pending or running.
type RebuildJobQueue interface {
	EnqueueRebuild(ctx context.Context, requestedBy string) (string, error)
}

// RebuildTicket acknowledges an accepted rebuild request.
type RebuildTicket struct {
	JobID       string    `json:"job_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// RebuildService accepts rebuild requests and hands them to the job queue.
type RebuildService struct {
	lock   RebuildLockStatus
	jobs   RebuildJobQueue
	logger *slog.Logger
}

// NewRebuildService creates a new RebuildService
func NewRebuildService(lock RebuildLockStatus, jobs RebuildJobQueue, logger *slog.Logger) *RebuildService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RebuildService{
		lock:   lock,
		jobs:   jobs,
		logger: logger,
	}
}

// TriggerRebuild schedules a full projection rebuild or returns
// appcore.ErrRebuildInProgress.
func (s *RebuildService) TriggerRebuild(ctx context.Context, requestedBy string) (RebuildTicket, error) {
	running, err := s.lock.RebuildRunning(ctx)
	if err != nil {
		return RebuildTicket{}, fmt.Errorf("failed to check rebuild lock: %w", err)
	}
	if running {
		return RebuildTicket{}, appcore.ErrRebuildInProgress
	}

	jobID, err := s.jobs.EnqueueRebuild(ctx, requestedBy)
	if err != nil {
		return RebuildTicket{}, err
	}

	s.logger.InfoContext(ctx, "projection rebuild scheduled",
		slog.String("job_id", jobID),
		slog.String("requested_by", requestedBy),
	)

	return RebuildTicket{JobID: jobID, RequestedAt: time.Now().UTC()}, nil
}
