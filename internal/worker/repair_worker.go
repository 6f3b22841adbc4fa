package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	"github.com/lllypuk/orderledger/internal/infrastructure/lock"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
)

// Default repair worker configuration values.
const (
	defaultRepairPollInterval = 5 * time.Second
	defaultRepairBatchSize    = 10
	defaultRepairMaxRetries   = 3
)

// RepairWorkerConfig contains configuration for the repair worker.
type RepairWorkerConfig struct {
	// PollInterval is the time between polling the job queue.
	PollInterval time.Duration

	// BatchSize is the maximum number of jobs to claim in each poll cycle.
	BatchSize int

	// MaxRetries is the maximum number of attempts before a job is marked failed.
	MaxRetries int

	// Enabled determines if the worker should run.
	Enabled bool
}

// DefaultRepairWorkerConfig returns sensible default configuration.
func DefaultRepairWorkerConfig() RepairWorkerConfig {
	return RepairWorkerConfig{
		PollInterval: defaultRepairPollInterval,
		BatchSize:    defaultRepairBatchSize,
		MaxRetries:   defaultRepairMaxRetries,
		Enabled:      true,
	}
}

// QueueObserver receives job queue statistics after every poll.
type QueueObserver interface {
	ObserveQueue(stats *repair.QueueStats)
}

// RepairWorker runs full rebuild and single repair jobs from the job queue.
type RepairWorker struct {
	queue     repair.Queue
	projector appcore.ReadModelProjector
	observer  QueueObserver
	onRebuilt func()
	logger    *slog.Logger
	config    RepairWorkerConfig
}

// RepairWorkerOption configures RepairWorker.
type RepairWorkerOption func(*RepairWorker)

// WithQueueObserver reports queue statistics after each poll.
func WithQueueObserver(o QueueObserver) RepairWorkerOption {
	return func(w *RepairWorker) {
		w.observer = o
	}
}

// WithOnRebuilt registers a callback invoked after every successful full rebuild.
func WithOnRebuilt(fn func()) RepairWorkerOption {
	return func(w *RepairWorker) {
		w.onRebuilt = fn
	}
}

// NewRepairWorker creates a new repair worker.
func NewRepairWorker(
	queue repair.Queue,
	projector appcore.ReadModelProjector,
	logger *slog.Logger,
	config RepairWorkerConfig,
	opts ...RepairWorkerOption,
) *RepairWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultRepairPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaultRepairBatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultRepairMaxRetries
	}

	w := &RepairWorker{
		queue:     queue,
		projector: projector,
		logger:    logger,
		config:    config,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start starts the repair worker.
func (w *RepairWorker) Start(ctx context.Context) error {
	if !w.config.Enabled {
		w.logger.InfoContext(ctx, "repair worker disabled")
		return nil
	}

	w.logger.InfoContext(ctx, "starting repair worker",
		slog.Duration("poll_interval", w.config.PollInterval),
		slog.Int("batch_size", w.config.BatchSize),
		slog.Int("max_retries", w.config.MaxRetries),
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	w.ProcessBatch(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "repair worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims and runs one batch of jobs. It returns the number of
// jobs claimed.
func (w *RepairWorker) ProcessBatch(ctx context.Context) int {
	defer w.observeQueue(ctx)

	jobs, err := w.queue.Claim(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to claim projection jobs",
			slog.String("error", err.Error()),
		)
		return 0
	}

	if len(jobs) == 0 {
		return 0
	}

	w.logger.InfoContext(ctx, "processing projection jobs",
		slog.Int("count", len(jobs)),
	)

	for _, job := range jobs {
		processErr := w.processJob(ctx, job)
		if processErr == nil {
			if completeErr := w.queue.MarkCompleted(ctx, job.ID); completeErr != nil {
				w.logger.ErrorContext(ctx, "failed to mark job as completed",
					slog.String("job_id", job.ID),
					slog.String("error", completeErr.Error()),
				)
			}
			continue
		}

		w.logger.ErrorContext(ctx, "failed to process projection job",
			slog.String("job_id", job.ID),
			slog.String("job_type", string(job.JobType)),
			slog.String("aggregate_id", job.AggregateID),
			slog.Int("attempts", job.Attempts),
			slog.String("error", processErr.Error()),
		)
		w.settleFailure(ctx, job, processErr)
	}

	return len(jobs)
}

func (w *RepairWorker) settleFailure(ctx context.Context, job repair.Job, cause error) {
	if isPermanentJobError(cause) || job.Attempts >= w.config.MaxRetries {
		w.logger.WarnContext(ctx, "marking projection job as failed",
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
		)
		if markErr := w.queue.MarkFailed(ctx, job.ID, cause); markErr != nil {
			w.logger.ErrorContext(ctx, "failed to mark job as failed",
				slog.String("job_id", job.ID),
				slog.String("error", markErr.Error()),
			)
		}
		return
	}

	w.logger.InfoContext(ctx, "job will be retried",
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_retries", w.config.MaxRetries),
	)
	if requeueErr := w.queue.Requeue(ctx, job.ID, cause); requeueErr != nil {
		w.logger.ErrorContext(ctx, "failed to requeue job",
			slog.String("job_id", job.ID),
			slog.String("error", requeueErr.Error()),
		)
	}
}

func (w *RepairWorker) processJob(ctx context.Context, job repair.Job) error {
	w.logger.InfoContext(ctx, "processing projection job",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.JobType)),
		slog.String("aggregate_id", job.AggregateID),
		slog.String("requested_by", job.RequestedBy),
	)

	switch job.JobType {
	case repair.JobTypeRebuild:
		return w.processRebuild(ctx)
	case repair.JobTypeRepair:
		return w.processRepair(ctx, job)
	default:
		return fmt.Errorf("%w: unknown job type %s", errs.ErrInvalidInput, job.JobType)
	}
}

func (w *RepairWorker) processRebuild(ctx context.Context) error {
	report, err := w.projector.RebuildAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild projections: %w", err)
	}

	w.logger.InfoContext(ctx, "successfully rebuilt projections",
		slog.Int("events", report.Events),
		slog.Int("aggregates", report.Aggregates),
		slog.Int64("last_offset", report.LastOffset),
		slog.Duration("duration", report.Duration),
	)

	if w.onRebuilt != nil {
		w.onRebuilt()
	}
	return nil
}

func (w *RepairWorker) processRepair(ctx context.Context, job repair.Job) error {
	if job.AggregateID == "" {
		return fmt.Errorf("%w: repair job without aggregate id", errs.ErrInvalidInput)
	}

	if err := w.projector.RebuildOne(ctx, job.AggregateID); err != nil {
		return fmt.Errorf("failed to repair projection: %w", err)
	}

	w.logger.InfoContext(ctx, "successfully repaired projection",
		slog.String("aggregate_id", job.AggregateID),
	)
	return nil
}

func (w *RepairWorker) observeQueue(ctx context.Context) {
	if w.observer == nil {
		return
	}
	stats, err := w.queue.GetStats(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "failed to read job queue stats",
			slog.String("error", err.Error()),
		)
		return
	}
	w.observer.ObserveQueue(stats)
}

// GetStats returns job queue statistics.
func (w *RepairWorker) GetStats(ctx context.Context) (*repair.QueueStats, error) {
	return w.queue.GetStats(ctx)
}

// isPermanentJobError reports whether retrying the job cannot help.
// Lease contention and store outages are retried.
func isPermanentJobError(err error) bool {
	switch {
	case errors.Is(err, appcore.ErrRebuildInProgress),
		errors.Is(err, lock.ErrWaitTimeout),
		errors.Is(err, lock.ErrLeaseLost):
		return false
	case errors.Is(err, errs.ErrNotFound),
		errors.Is(err, errs.ErrInvalidInput),
		IsFatalProjectionError(err):
		return true
	default:
		return false
	}
}
