package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
)

// Default projection worker configuration values.
const (
	defaultProjectionPollInterval = time.Second
)

// ProjectionWorkerConfig contains configuration for the projection consumer.
type ProjectionWorkerConfig struct {
	// PollInterval is the time between catch-up passes when no notice arrives.
	PollInterval time.Duration

	// Enabled determines if the worker should run.
	Enabled bool
}

// DefaultProjectionWorkerConfig returns sensible default configuration.
func DefaultProjectionWorkerConfig() ProjectionWorkerConfig {
	return ProjectionWorkerConfig{
		PollInterval: defaultProjectionPollInterval,
		Enabled:      true,
	}
}

// IncidentRecorder stores the reason the consumer stopped.
type IncidentRecorder interface {
	RecordIncident(ctx context.Context, aggregateID string, cause error) (string, error)
}

// ProjectionWorker keeps live projections caught up with the event log.
// Append notices wake it early; the poll interval bounds staleness when
// notices are lost. A corrupt or gapped stream halts it until Resume.
type ProjectionWorker struct {
	projector appcore.ReadModelProjector
	incidents IncidentRecorder
	logger    *slog.Logger
	config    ProjectionWorkerConfig

	trigger chan struct{}

	mu       sync.RWMutex
	halted   error
	incident incident
	resume   chan struct{}
}

type incident struct {
	aggregateID string
	id          string
	at          time.Time
}

// NewProjectionWorker creates a new projection worker. incidents may be nil.
func NewProjectionWorker(
	projector appcore.ReadModelProjector,
	incidents IncidentRecorder,
	logger *slog.Logger,
	config ProjectionWorkerConfig,
) *ProjectionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultProjectionPollInterval
	}

	return &ProjectionWorker{
		projector: projector,
		incidents: incidents,
		logger:    logger,
		config:    config,
		trigger:   make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
	}
}

// Trigger returns the channel that wakes the worker for an immediate pass.
// Sends should not block; the channel holds one pending wake-up.
func (w *ProjectionWorker) Trigger() chan<- struct{} {
	return w.trigger
}

// HaltReason returns the error that stopped the consumer, or nil while it runs.
func (w *ProjectionWorker) HaltReason() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.halted
}

// LastIncident describes the current halt. All values are zero while the
// consumer runs.
func (w *ProjectionWorker) LastIncident() (aggregateID, incidentID string, haltedAt time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.incident.aggregateID, w.incident.id, w.incident.at
}

// Resume clears a halt, typically after a successful full rebuild.
func (w *ProjectionWorker) Resume() {
	w.mu.Lock()
	wasHalted := w.halted != nil
	w.halted = nil
	w.incident = incident{}
	w.mu.Unlock()

	if wasHalted {
		select {
		case w.resume <- struct{}{}:
		default:
		}
	}
}

// Start runs the consumer loop until ctx is cancelled.
func (w *ProjectionWorker) Start(ctx context.Context) error {
	if !w.config.Enabled {
		w.logger.InfoContext(ctx, "projection worker disabled")
		return nil
	}

	w.logger.InfoContext(ctx, "starting projection worker",
		slog.Duration("poll_interval", w.config.PollInterval),
	)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	// Process immediately on start
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "projection worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-w.trigger:
			w.RunOnce(ctx)
		case <-w.resume:
			w.logger.InfoContext(ctx, "projection worker resumed")
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single catch-up pass unless the worker is halted.
func (w *ProjectionWorker) RunOnce(ctx context.Context) {
	if w.HaltReason() != nil {
		return
	}

	applied, err := w.projector.CatchUp(ctx)
	if err == nil {
		if applied > 0 {
			w.logger.DebugContext(ctx, "projections caught up", slog.Int("applied", applied))
		}
		return
	}

	if ctx.Err() != nil {
		return
	}

	if !IsFatalProjectionError(err) {
		w.logger.WarnContext(ctx, "projection pass failed, will retry",
			slog.Int("applied", applied),
			slog.String("error", err.Error()),
		)
		return
	}

	w.halt(ctx, err)
}

func (w *ProjectionWorker) halt(ctx context.Context, cause error) {
	aggregateID := aggregateOf(cause)

	haltedAt := time.Now()
	w.mu.Lock()
	w.halted = cause
	w.incident = incident{aggregateID: aggregateID, at: haltedAt}
	w.mu.Unlock()

	w.logger.ErrorContext(ctx, "projection consumer halted",
		slog.String("aggregate_id", aggregateID),
		slog.String("error", cause.Error()),
	)

	if w.incidents == nil {
		return
	}
	id, err := w.incidents.RecordIncident(ctx, aggregateID, cause)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to record projection incident",
			slog.String("error", err.Error()),
		)
		return
	}

	w.mu.Lock()
	// a Resume in between clears the halt; keep the new state
	if w.halted != nil && w.incident.at.Equal(haltedAt) {
		w.incident.id = id
	}
	w.mu.Unlock()
}

// IsFatalProjectionError reports whether err means the log cannot be applied
// as is and retrying the same pass would fail again.
func IsFatalProjectionError(err error) bool {
	var serialization *event.SerializationError
	return errors.As(err, &serialization) ||
		errors.Is(err, event.ErrUnknownEventVariant) ||
		errors.Is(err, appcore.ErrProjectionGap) ||
		errors.Is(err, appcore.ErrCorruptStream)
}

func aggregateOf(err error) string {
	var serialization *event.SerializationError
	if errors.As(err, &serialization) {
		return serialization.AggregateID
	}
	return ""
}
