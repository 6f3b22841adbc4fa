package appcore

import (
	"context"
	"errors"
	"fmt"

	"github.com/lllypuk/orderledger/internal/domain/event"
)

var (
	// ErrConcurrencyConflict is returned on version conflict (optimistic locking)
	ErrConcurrencyConflict = errors.New("concurrency conflict detected")

	// ErrInvalidVersion is returned when the expected version is negative
	ErrInvalidVersion = errors.New("invalid version")

	// ErrEmptyAppend is returned when Append is called without events
	ErrEmptyAppend = errors.New("append requires at least one event")
)

// ConcurrencyConflictError reports the version the aggregate actually had when
// an append with a stale expected version was rejected.
type ConcurrencyConflictError struct {
	AggregateID     string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on %s: expected version %d, actual %d",
		e.AggregateID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return ErrConcurrencyConflict
}

// NewConcurrencyConflictError creates a ConcurrencyConflictError
func NewConcurrencyConflictError(aggregateID string, expected, actual int) error {
	return &ConcurrencyConflictError{
		AggregateID:     aggregateID,
		ExpectedVersion: expected,
		ActualVersion:   actual,
	}
}

// EventStore is the append-only event log.
// The interface is declared here (on the consumer side - application layer),
// not in infrastructure, following idiomatic Go approach.
type EventStore interface {
	// Append writes events with consecutive versions after expectedVersion and
	// returns the new version. All events are written or none are. A stale
	// expectedVersion yields *ConcurrencyConflictError.
	Append(ctx context.Context, aggregateID string, events []event.NewEvent, expectedVersion int) (int, error)

	// ReadAggregate returns the events of one aggregate with version > fromVersion,
	// in version order.
	ReadAggregate(ctx context.Context, aggregateID string, fromVersion int) ([]event.StoredEvent, error)

	// ReadAll returns events with global offset > fromGlobalOffset in offset order.
	// limit <= 0 means no limit.
	ReadAll(ctx context.Context, fromGlobalOffset int64, limit int) ([]event.StoredEvent, error)

	// Version returns the current version of an aggregate, 0 if it has no events.
	Version(ctx context.Context, aggregateID string) (int, error)

	// TailOffset returns the highest committed global offset, 0 for an empty log.
	TailOffset(ctx context.Context) (int64, error)
}

// ValidateAppend checks the arguments every EventStore implementation rejects
// before touching storage.
func ValidateAppend(aggregateID string, events []event.NewEvent, expectedVersion int) error {
	if aggregateID == "" {
		return fmt.Errorf("%w: empty aggregate id", ErrInvalidVersion)
	}
	if len(events) == 0 {
		return ErrEmptyAppend
	}
	if expectedVersion < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidVersion, expectedVersion)
	}
	return nil
}

// ErrCorruptStream is returned when a stored stream is not the contiguous
// version sequence 1..n.
var ErrCorruptStream = errors.New("corrupt event stream")
