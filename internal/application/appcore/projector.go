package appcore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRebuildInProgress is returned when a rebuild is requested while another one runs
	ErrRebuildInProgress = errors.New("projection rebuild in progress")

	// ErrProjectionGap is returned when an event does not directly follow the
	// last version applied to its projection
	ErrProjectionGap = errors.New("projection version gap")
)

// RebuildReport summarizes a completed full rebuild.
type RebuildReport struct {
	Events     int           `json:"events"`
	Aggregates int           `json:"aggregates"`
	LastOffset int64         `json:"last_offset"`
	Duration   time.Duration `json:"duration"`
}

// ReadModelProjector maintains order projections from the event log.
// Interface is declared on consumer side (application layer) following Go idioms.
type ReadModelProjector interface {
	// CatchUp applies every event after the stored checkpoint to the live
	// projections and returns how many events were applied.
	CatchUp(ctx context.Context) (int, error)

	// RebuildAll recomputes every projection from offset zero into a shadow
	// store and swaps it in. Returns ErrRebuildInProgress when already running.
	RebuildAll(ctx context.Context) (RebuildReport, error)

	// RebuildOne replaces the projection of a single aggregate from its stream.
	RebuildOne(ctx context.Context, aggregateID string) error

	// VerifyConsistency checks if the projection matches the state derived from events.
	VerifyConsistency(ctx context.Context, aggregateID string) (bool, error)
}
