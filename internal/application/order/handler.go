package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// DefaultMaxAttempts bounds reconstruct-decide-append cycles per command.
const DefaultMaxAttempts = 3

const tracerName = "github.com/lllypuk/orderledger/internal/application/order"

// Command outcomes reported to the CommandObserver.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeCorrupted = "corrupted"
	OutcomeError     = "error"
)

// AppendNotice tells projection consumers that a stream grew.
type AppendNotice struct {
	AggregateID string   `json:"aggregate_id"`
	Version     int      `json:"version"`
	EventTypes  []string `json:"event_types"`
}

// Notifier wakes projection consumers after a successful append.
type Notifier interface {
	NotifyAppended(ctx context.Context, notice AppendNotice) error
}

// CommandObserver records command outcomes.
type CommandObserver interface {
	ObserveCommand(command, outcome string, attempts int, duration time.Duration)
}

// Result is returned for an accepted command.
type Result struct {
	OrderID    string   `json:"order_id"`
	Version    int      `json:"version"`
	EventTypes []string `json:"events"`
	Attempts   int      `json:"-"`
}

// CommandHandler runs reconstruct, decide and append, retrying on conflicts.
type CommandHandler struct {
	store         appcore.EventStore
	reconstructor *Reconstructor
	notifier      Notifier
	observer      CommandObserver
	maxAttempts   int
	logger        *slog.Logger
	tracer        trace.Tracer
}

// HandlerOption configures CommandHandler.
type HandlerOption func(*CommandHandler)

// WithMaxAttempts sets the bounded retry count for concurrency conflicts.
func WithMaxAttempts(n int) HandlerOption {
	return func(h *CommandHandler) {
		if n > 0 {
			h.maxAttempts = n
		}
	}
}

// WithNotifier sets the post-append notifier.
func WithNotifier(n Notifier) HandlerOption {
	return func(h *CommandHandler) {
		h.notifier = n
	}
}

// WithObserver sets the command metrics observer.
func WithObserver(o CommandObserver) HandlerOption {
	return func(h *CommandHandler) {
		h.observer = o
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *CommandHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewCommandHandler creates a new CommandHandler
func NewCommandHandler(store appcore.EventStore, opts ...HandlerOption) *CommandHandler {
	h := &CommandHandler{
		store:         store,
		reconstructor: NewReconstructor(store),
		maxAttempts:   DefaultMaxAttempts,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// handleOptions are per-call settings.
type handleOptions struct {
	expectedVersion *int
	metadata        *event.Metadata
}

// HandleOption configures a single Handle call.
type HandleOption func(*handleOptions)

// ExpectVersion makes the command fail with a conflict, without retries,
// unless the order is at version v.
func ExpectVersion(v int) HandleOption {
	return func(o *handleOptions) {
		o.expectedVersion = &v
	}
}

// WithMetadata overrides the metadata derived from the context.
func WithMetadata(md event.Metadata) HandleOption {
	return func(o *handleOptions) {
		o.metadata = &md
	}
}

// Handle executes cmd. Conflicts are retried with a fresh reconstruction up to
// the configured number of attempts; every other error is returned at once.
func (h *CommandHandler) Handle(ctx context.Context, cmd orderdomain.Command, opts ...HandleOption) (Result, error) {
	ctx, span := h.tracer.Start(ctx, "order.Handle", trace.WithAttributes(
		attribute.String("order.command", cmd.CommandName()),
		attribute.String("order.id", cmd.OrderID()),
	))
	defer span.End()

	start := time.Now()

	if cmd.OrderID() == "" {
		return Result{}, fmt.Errorf("%w: order id is required", errs.ErrInvalidInput)
	}

	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}
	md := h.metadataFor(ctx, o)

	var lastErr error
	attempt := 1
	for ; attempt <= h.maxAttempts; attempt++ {
		result, err := h.attempt(ctx, cmd, o, md)
		if err == nil {
			result.Attempts = attempt
			h.observe(cmd, OutcomeSuccess, attempt, start)
			span.SetAttributes(attribute.Int("order.version", result.Version), attribute.Int("order.attempts", attempt))
			h.notify(ctx, result)
			return result, nil
		}

		if !errors.Is(err, appcore.ErrConcurrencyConflict) || o.expectedVersion != nil {
			h.observe(cmd, outcomeOf(err), attempt, start)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			h.logFailure(ctx, cmd, err)
			return Result{}, err
		}

		lastErr = err
		h.logger.WarnContext(ctx, "concurrency conflict, retrying command",
			slog.String("command", cmd.CommandName()),
			slog.String("order_id", cmd.OrderID()),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	attempts := attempt - 1
	h.observe(cmd, OutcomeConflict, attempts, start)
	err := fmt.Errorf("command %s gave up after %d attempts: %w", cmd.CommandName(), attempts, lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "concurrency conflict")
	return Result{}, err
}

func (h *CommandHandler) attempt(
	ctx context.Context,
	cmd orderdomain.Command,
	o handleOptions,
	md event.Metadata,
) (Result, error) {
	orderID := cmd.OrderID()

	state, version, err := h.reconstructor.Reconstruct(ctx, orderID)
	if err != nil {
		return Result{}, err
	}

	if o.expectedVersion != nil && *o.expectedVersion != version {
		return Result{}, appcore.NewConcurrencyConflictError(orderID, *o.expectedVersion, version)
	}

	events, err := orderdomain.Decide(state, cmd)
	if err != nil {
		return Result{}, err
	}
	if len(events) == 0 {
		return Result{OrderID: orderID, Version: version}, nil
	}

	encoded, err := orderdomain.EncodeAll(events, md)
	if err != nil {
		return Result{}, err
	}

	newVersion, err := h.store.Append(ctx, orderID, encoded, version)
	if err != nil {
		return Result{}, err
	}

	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType())
	}

	return Result{OrderID: orderID, Version: newVersion, EventTypes: types}, nil
}

func (h *CommandHandler) metadataFor(ctx context.Context, o handleOptions) event.Metadata {
	if o.metadata != nil {
		return *o.metadata
	}
	return event.NewMetadata(appcore.GetUserID(ctx), appcore.GetCorrelationID(ctx), "")
}

func (h *CommandHandler) notify(ctx context.Context, result Result) {
	if h.notifier == nil || len(result.EventTypes) == 0 {
		return
	}

	notice := AppendNotice{
		AggregateID: result.OrderID,
		Version:     result.Version,
		EventTypes:  result.EventTypes,
	}
	if err := h.notifier.NotifyAppended(ctx, notice); err != nil {
		h.logger.WarnContext(ctx, "failed to notify projection consumers",
			slog.String("order_id", result.OrderID),
			slog.Int("version", result.Version),
			slog.String("error", err.Error()),
		)
	}
}

func (h *CommandHandler) observe(cmd orderdomain.Command, outcome string, attempts int, start time.Time) {
	if h.observer != nil {
		h.observer.ObserveCommand(cmd.CommandName(), outcome, attempts, time.Since(start))
	}
}

func (h *CommandHandler) logFailure(ctx context.Context, cmd orderdomain.Command, err error) {
	attrs := []any{
		slog.String("command", cmd.CommandName()),
		slog.String("order_id", cmd.OrderID()),
		slog.String("error", err.Error()),
	}

	switch outcomeOf(err) {
	case OutcomeCorrupted:
		h.logger.ErrorContext(ctx, "order stream is corrupt", attrs...)
	case OutcomeError:
		h.logger.ErrorContext(ctx, "command failed", attrs...)
	default:
		h.logger.DebugContext(ctx, "command rejected", attrs...)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, errs.ErrInvalidCommand), errors.Is(err, errs.ErrInvalidInput):
		return OutcomeRejected
	case errors.Is(err, appcore.ErrConcurrencyConflict):
		return OutcomeConflict
	case event.IsSerializationError(err), errors.Is(err, appcore.ErrCorruptStream):
		return OutcomeCorrupted
	default:
		return OutcomeError
	}
}
