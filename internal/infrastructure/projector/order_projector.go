// Package projector maintains order projections from the global event log.
package projector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/lock"
)

const (
	// DefaultBatchSize is the ReadAll page size for catch-up and rebuild.
	DefaultBatchSize = 500

	tracerName = "github.com/lllypuk/orderledger/internal/infrastructure/projector"
)

// Lock hands out the projection lease.
type Lock interface {
	AcquireRebuild(ctx context.Context) (*lock.Lease, error)
	TryAcquireConsumer(ctx context.Context) (*lock.Lease, bool, error)
	AcquireConsumer(ctx context.Context) (*lock.Lease, error)
}

// Observer receives projection progress. Implemented by metrics.ProjectionMetrics.
type Observer interface {
	ObserveApplied(events int)
	ObserveLag(checkpoint, tail int64)
	ObserveRebuild(report appcore.RebuildReport, err error)
}

// Config tunes OrderProjector.
type Config struct {
	BatchSize int

	// RebuildRate limits rebuild throughput in events per second. Zero disables the limit.
	RebuildRate float64
}

// Status is a snapshot of consumer progress.
type Status struct {
	Checkpoint int64 `json:"checkpoint"`
	Tail       int64 `json:"tail"`
	Lag        int64 `json:"lag"`
}

// OrderProjector applies events to order projections.
type OrderProjector struct {
	store    appcore.EventStore
	live     orderapp.ProjectionStore
	lock     Lock
	observer Observer
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
}

var _ appcore.ReadModelProjector = (*OrderProjector)(nil)

// NewOrderProjector creates a new order projector. observer may be nil.
func NewOrderProjector(
	store appcore.EventStore,
	live orderapp.ProjectionStore,
	leases Lock,
	observer Observer,
	cfg Config,
	logger *slog.Logger,
) *OrderProjector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderProjector{
		store:    store,
		live:     live,
		lock:     leases,
		observer: observer,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer(tracerName),
	}
}

// ApplyNext folds batch into target in offset order. Events at or below a
// record's last applied offset are skipped. A version that does not directly
// follow the last applied one fails with appcore.ErrProjectionGap, and an
// undecodable event fails with its serialization error; neither is skipped.
func (p *OrderProjector) ApplyNext(
	ctx context.Context,
	target orderapp.ProjectionTarget,
	batch []event.StoredEvent,
) (int, error) {
	cache := make(map[string]*orderapp.ReadModel)
	applied := 0

	for _, stored := range batch {
		cur, ok := cache[stored.AggregateID]
		if !ok {
			rm, err := target.Get(ctx, stored.AggregateID)
			switch {
			case errors.Is(err, errs.ErrNotFound):
				rm = nil
			case err != nil:
				return applied, fmt.Errorf("failed to load projection %s: %w", stored.AggregateID, err)
			}
			cur = rm
		}

		lastOffset, lastVersion := int64(0), 0
		if cur != nil {
			lastOffset, lastVersion = cur.LastAppliedGlobalOffset, cur.LastAppliedVersion
		}
		if stored.GlobalOffset <= lastOffset {
			cache[stored.AggregateID] = cur
			continue
		}
		if stored.Version != lastVersion+1 {
			return applied, fmt.Errorf("%w: %s at offset %d has version %d, last applied %d",
				appcore.ErrProjectionGap, stored.AggregateID, stored.GlobalOffset, stored.Version, lastVersion)
		}

		e, err := orderdomain.Decode(stored)
		if err != nil {
			return applied, err
		}

		next := project(cur, stored, e)
		written, err := target.Upsert(ctx, next)
		if err != nil {
			return applied, fmt.Errorf("failed to store projection %s: %w", stored.AggregateID, err)
		}
		if !written {
			// a newer write landed first; reload on the next event
			delete(cache, stored.AggregateID)
			continue
		}

		cache[stored.AggregateID] = &next
		applied++
	}

	return applied, nil
}

// CatchUp runs one incremental pass over the live store. It returns 0 without
// error when a rebuild holds the lease.
func (p *OrderProjector) CatchUp(ctx context.Context) (int, error) {
	lease, ok, err := p.lock.TryAcquireConsumer(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		p.logger.DebugContext(ctx, "projection lease held, skipping consumer pass")
		return 0, nil
	}
	defer p.release(ctx, lease)
	lease.KeepAlive(ctx)

	checkpoint, err := p.live.Checkpoint(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	total := 0
	for {
		select {
		case <-lease.Lost():
			return total, lock.ErrLeaseLost
		default:
		}

		batch, errRead := p.store.ReadAll(ctx, checkpoint, p.cfg.BatchSize)
		if errRead != nil {
			return total, fmt.Errorf("failed to read events after %d: %w", checkpoint, errRead)
		}
		if len(batch) == 0 {
			break
		}

		applied, errApply := p.ApplyNext(ctx, p.live, batch)
		total += applied
		if p.observer != nil && applied > 0 {
			p.observer.ObserveApplied(applied)
		}
		if errApply != nil {
			return total, errApply
		}

		checkpoint = batch[len(batch)-1].GlobalOffset
		if err = p.live.SaveCheckpoint(ctx, checkpoint); err != nil {
			return total, fmt.Errorf("failed to save checkpoint: %w", err)
		}

		if len(batch) < p.cfg.BatchSize {
			break
		}
	}

	if p.observer != nil {
		if tail, errTail := p.store.TailOffset(ctx); errTail == nil {
			p.observer.ObserveLag(checkpoint, tail)
		}
	}

	if total > 0 {
		p.logger.DebugContext(ctx, "projection consumer pass completed",
			slog.Int("applied", total),
			slog.Int64("checkpoint", checkpoint),
		)
	}
	return total, nil
}

// RebuildAll recomputes every projection into a shadow set and swaps it in.
// Live projections stay untouched if the rebuild fails.
func (p *OrderProjector) RebuildAll(ctx context.Context) (report appcore.RebuildReport, err error) {
	ctx, span := p.tracer.Start(ctx, "projector.RebuildAll")
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("events", report.Events),
			attribute.Int("aggregates", report.Aggregates),
		)
		span.End()
		if p.observer != nil {
			p.observer.ObserveRebuild(report, err)
		}
	}()

	lease, err := p.lock.AcquireRebuild(ctx)
	if err != nil {
		return report, err
	}
	defer p.release(ctx, lease)
	lease.KeepAlive(ctx)

	p.logger.InfoContext(ctx, "starting projection rebuild", slog.String("owner", lease.Owner()))

	shadow, err := p.live.NewShadow(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to prepare shadow projections: %w", err)
	}

	var limiter *rate.Limiter
	if p.cfg.RebuildRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.cfg.RebuildRate), p.cfg.BatchSize)
	}

	aggregates := make(map[string]struct{})
	var from int64
	for {
		select {
		case <-lease.Lost():
			p.discard(ctx, shadow)
			return report, lock.ErrLeaseLost
		default:
		}

		batch, errRead := p.store.ReadAll(ctx, from, p.cfg.BatchSize)
		if errRead != nil {
			p.discard(ctx, shadow)
			return report, fmt.Errorf("failed to read events after %d: %w", from, errRead)
		}
		if len(batch) == 0 {
			break
		}

		if limiter != nil {
			if err = limiter.WaitN(ctx, len(batch)); err != nil {
				p.discard(ctx, shadow)
				return report, err
			}
		}

		if _, err = p.ApplyNext(ctx, shadow, batch); err != nil {
			p.discard(ctx, shadow)
			return report, err
		}

		for _, stored := range batch {
			aggregates[stored.AggregateID] = struct{}{}
		}
		report.Events += len(batch)
		from = batch[len(batch)-1].GlobalOffset

		if len(batch) < p.cfg.BatchSize {
			break
		}
	}

	if err = shadow.Swap(ctx, from); err != nil {
		p.discard(ctx, shadow)
		return report, err
	}

	report.Aggregates = len(aggregates)
	report.LastOffset = from

	p.logger.InfoContext(ctx, "projection rebuild completed",
		slog.Int("events", report.Events),
		slog.Int("aggregates", report.Aggregates),
		slog.Int64("last_offset", report.LastOffset),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

// RebuildOne replaces the live projection of one order from its stream. It
// holds the consumer lease so a concurrent pass cannot apply newer events
// between the read and the replace.
func (p *OrderProjector) RebuildOne(ctx context.Context, aggregateID string) error {
	p.logger.InfoContext(ctx, "rebuilding order projection", slog.String("order_id", aggregateID))

	lease, err := p.lock.AcquireConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire lease for order %s: %w", aggregateID, err)
	}
	defer p.release(ctx, lease)
	lease.KeepAlive(ctx)

	stream, err := p.store.ReadAggregate(ctx, aggregateID, 0)
	if err != nil {
		return fmt.Errorf("failed to load events for order %s: %w", aggregateID, err)
	}
	if len(stream) == 0 {
		return appcore.NewNotFoundError("order", aggregateID)
	}

	rm, err := projectStream(stream)
	if err != nil {
		return err
	}
	if err = p.live.Replace(ctx, rm); err != nil {
		return fmt.Errorf("failed to replace projection %s: %w", aggregateID, err)
	}

	p.logger.InfoContext(ctx, "order projection rebuilt",
		slog.String("order_id", aggregateID),
		slog.Int("events_applied", len(stream)),
	)
	return nil
}

// VerifyConsistency compares the live projection with a fresh fold of the stream.
func (p *OrderProjector) VerifyConsistency(ctx context.Context, aggregateID string) (bool, error) {
	stream, err := p.store.ReadAggregate(ctx, aggregateID, 0)
	if err != nil {
		return false, fmt.Errorf("failed to load events: %w", err)
	}

	actual, err := p.live.Get(ctx, aggregateID)
	if errors.Is(err, errs.ErrNotFound) {
		actual = nil
	} else if err != nil {
		return false, fmt.Errorf("failed to load projection: %w", err)
	}

	if len(stream) == 0 {
		return actual == nil, nil
	}

	expected, err := projectStream(stream)
	if err != nil {
		return false, err
	}
	if actual == nil {
		p.logger.WarnContext(ctx, "projection missing for order with events",
			slog.String("order_id", aggregateID),
			slog.Int("events_count", len(stream)),
		)
		return false, nil
	}

	if !reflect.DeepEqual(expected, *actual) {
		p.logger.WarnContext(ctx, "projection inconsistency detected",
			slog.String("order_id", aggregateID),
			slog.Int("expected_version", expected.LastAppliedVersion),
			slog.Int("actual_version", actual.LastAppliedVersion),
		)
		return false, nil
	}
	return true, nil
}

// Status reports checkpoint, tail and lag of the live projections.
func (p *OrderProjector) Status(ctx context.Context) (Status, error) {
	checkpoint, err := p.live.Checkpoint(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	tail, err := p.store.TailOffset(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to read tail offset: %w", err)
	}
	return Status{Checkpoint: checkpoint, Tail: tail, Lag: max(tail-checkpoint, 0)}, nil
}

func (p *OrderProjector) release(ctx context.Context, lease *lock.Lease) {
	// release even if ctx was cancelled
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		p.logger.WarnContext(ctx, "failed to release projection lease",
			slog.String("owner", lease.Owner()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *OrderProjector) discard(ctx context.Context, shadow orderapp.ShadowStore) {
	if err := shadow.Discard(context.WithoutCancel(ctx)); err != nil {
		p.logger.WarnContext(ctx, "failed to discard shadow projections",
			slog.String("error", err.Error()),
		)
	}
}
