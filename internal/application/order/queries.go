package order

import (
	"context"
	"fmt"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
)

// QueryService serves the read side: projections and raw event history.
type QueryService struct {
	projections ProjectionQueries
	store       appcore.EventStore
}

// NewQueryService creates a new QueryService
func NewQueryService(projections ProjectionQueries, store appcore.EventStore) *QueryService {
	return &QueryService{
		projections: projections,
		store:       store,
	}
}

// GetProjection returns the current projection of an order.
func (q *QueryService) GetProjection(ctx context.Context, orderID string) (*ReadModel, error) {
	rm, err := q.projections.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return rm, nil
}

// ListProjections returns projections matching filters.
func (q *QueryService) ListProjections(ctx context.Context, filters Filters) ([]ReadModel, error) {
	rms, err := q.projections.List(ctx, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return rms, nil
}

// GetEventHistory returns the full stream of an order in version order.
func (q *QueryService) GetEventHistory(ctx context.Context, orderID string) ([]event.StoredEvent, error) {
	stored, err := q.store.ReadAggregate(ctx, orderID, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of order %s: %w", orderID, err)
	}
	if len(stored) == 0 {
		return nil, appcore.NewNotFoundError("order", orderID)
	}
	return stored, nil
}
