// Package inmemory holds map-backed projection storage for tests and
// single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/errs"
)

// OrderProjectionStore keeps live order projections in memory.
type OrderProjectionStore struct {
	mu         sync.RWMutex
	records    map[string]orderapp.ReadModel
	checkpoint int64
}

// NewOrderProjectionStore creates an empty store.
func NewOrderProjectionStore() *OrderProjectionStore {
	return &OrderProjectionStore{records: make(map[string]orderapp.ReadModel)}
}

// Get returns a copy of the projection or errs.ErrNotFound.
func (s *OrderProjectionStore) Get(_ context.Context, aggregateID string) (*orderapp.ReadModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lookup(s.records, aggregateID)
}

// Upsert stores rm if it is newer than the stored record.
func (s *OrderProjectionStore) Upsert(ctx context.Context, rm orderapp.ReadModel) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return upsert(s.records, rm), nil
}

// Replace stores rm unconditionally.
func (s *OrderProjectionStore) Replace(ctx context.Context, rm orderapp.ReadModel) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rm.AggregateID] = cloneReadModel(rm)
	return nil
}

// List returns projections ordered by aggregate id.
func (s *OrderProjectionStore) List(_ context.Context, filters orderapp.Filters) ([]orderapp.ReadModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]orderapp.ReadModel, 0, len(s.records))
	for _, rm := range s.records {
		if filters.Status != nil && rm.Status != *filters.Status {
			continue
		}
		if filters.CustomerID != "" && rm.CustomerID != filters.CustomerID {
			continue
		}
		result = append(result, cloneReadModel(rm))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AggregateID < result[j].AggregateID })

	if filters.Offset > 0 {
		if filters.Offset >= len(result) {
			return []orderapp.ReadModel{}, nil
		}
		result = result[filters.Offset:]
	}
	if filters.Limit > 0 && filters.Limit < len(result) {
		result = result[:filters.Limit]
	}
	return result, nil
}

// Checkpoint returns the consumer position.
func (s *OrderProjectionStore) Checkpoint(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.checkpoint, nil
}

// SaveCheckpoint moves the consumer position forward.
func (s *OrderProjectionStore) SaveCheckpoint(_ context.Context, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset > s.checkpoint {
		s.checkpoint = offset
	}
	return nil
}

// NewShadow returns an empty shadow set bound to this store.
func (s *OrderProjectionStore) NewShadow(_ context.Context) (orderapp.ShadowStore, error) {
	return &shadowStore{
		live:    s,
		records: make(map[string]orderapp.ReadModel),
	}, nil
}

// Len returns the number of live projections.
func (s *OrderProjectionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}

type shadowStore struct {
	live *OrderProjectionStore

	mu        sync.Mutex
	records   map[string]orderapp.ReadModel
	discarded bool
}

func (s *shadowStore) Get(_ context.Context, aggregateID string) (*orderapp.ReadModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lookup(s.records, aggregateID)
}

func (s *shadowStore) Upsert(ctx context.Context, rm orderapp.ReadModel) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return upsert(s.records, rm), nil
}

// Swap replaces the live map in one step, so readers see either the old set or the new one.
func (s *shadowStore) Swap(ctx context.Context, checkpoint int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discarded {
		return fmt.Errorf("shadow already swapped or discarded: %w", errs.ErrInvalidInput)
	}

	s.live.mu.Lock()
	s.live.records = s.records
	s.live.checkpoint = checkpoint
	s.live.mu.Unlock()

	s.records = make(map[string]orderapp.ReadModel)
	s.discarded = true
	return nil
}

func (s *shadowStore) Discard(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]orderapp.ReadModel)
	s.discarded = true
	return nil
}

func lookup(records map[string]orderapp.ReadModel, aggregateID string) (*orderapp.ReadModel, error) {
	rm, ok := records[aggregateID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	clone := cloneReadModel(rm)
	return &clone, nil
}

func upsert(records map[string]orderapp.ReadModel, rm orderapp.ReadModel) bool {
	if current, ok := records[rm.AggregateID]; ok &&
		current.LastAppliedGlobalOffset >= rm.LastAppliedGlobalOffset {
		return false
	}
	records[rm.AggregateID] = cloneReadModel(rm)
	return true
}

func cloneReadModel(rm orderapp.ReadModel) orderapp.ReadModel {
	rm.Items = slices.Clone(rm.Items)
	rm.PaidAt = cloneTime(rm.PaidAt)
	rm.ShippedAt = cloneTime(rm.ShippedAt)
	rm.DeliveredAt = cloneTime(rm.DeliveredAt)
	rm.CancelledAt = cloneTime(rm.CancelledAt)
	rm.RefundedAt = cloneTime(rm.RefundedAt)
	return rm
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
