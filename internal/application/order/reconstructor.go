package order

import (
	"context"
	"fmt"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// Reconstructor rebuilds order aggregates from the event store.
type Reconstructor struct {
	store appcore.EventStore
}

// NewReconstructor creates a new Reconstructor
func NewReconstructor(store appcore.EventStore) *Reconstructor {
	return &Reconstructor{store: store}
}

// Reconstruct folds the full stream of aggregateID. A missing stream yields
// the empty state at version 0.
func (r *Reconstructor) Reconstruct(ctx context.Context, aggregateID string) (orderdomain.State, int, error) {
	stored, err := r.store.ReadAggregate(ctx, aggregateID, 0)
	if err != nil {
		return orderdomain.State{}, 0, fmt.Errorf("failed to read order %s: %w", aggregateID, err)
	}

	for i, se := range stored {
		if se.Version != i+1 {
			return orderdomain.State{}, 0, fmt.Errorf("%w: order %s has version %d at position %d",
				appcore.ErrCorruptStream, aggregateID, se.Version, i+1)
		}
	}

	events, err := orderdomain.DecodeAll(stored)
	if err != nil {
		return orderdomain.State{}, 0, err
	}

	state := orderdomain.Fold(aggregateID, events)
	return state, state.Version, nil
}
