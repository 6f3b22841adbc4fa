package eventstore

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
)

// InMemoryEventStore реализует EventStore в памяти для тестирования и
// однопроцессного режима. Смещения совпадают с позицией в общем журнале.
type InMemoryEventStore struct {
	mu          sync.RWMutex
	log         []event.StoredEvent
	byAggregate map[string][]int
	cfg         config
}

// NewInMemoryEventStore создает новый in-memory event store
func NewInMemoryEventStore(opts ...Option) *InMemoryEventStore {
	return &InMemoryEventStore{
		byAggregate: make(map[string][]int),
		cfg:         newConfig(opts),
	}
}

// Append сохраняет события агрегата с оптимистичной блокировкой
func (s *InMemoryEventStore) Append(
	ctx context.Context,
	aggregateID string,
	events []event.NewEvent,
	expectedVersion int,
) (int, error) {
	if err := appcore.ValidateAppend(aggregateID, events, expectedVersion); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Проверка optimistic locking
	currentVersion := len(s.byAggregate[aggregateID])
	if currentVersion != expectedVersion {
		s.cfg.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", aggregateID),
			slog.Int("expected_version", expectedVersion),
			slog.Int("current_version", currentVersion),
		)
		s.cfg.observeConflict(aggregateID)
		return 0, appcore.NewConcurrencyConflictError(aggregateID, expectedVersion, currentVersion)
	}

	records := s.cfg.buildRecords(aggregateID, events, expectedVersion, int64(len(s.log))+1)
	for _, r := range records {
		s.byAggregate[aggregateID] = append(s.byAggregate[aggregateID], len(s.log))
		s.log = append(s.log, r)
	}

	s.cfg.observeAppend(records, start)
	return expectedVersion + len(events), nil
}

// ReadAggregate возвращает события агрегата с версией больше fromVersion
func (s *InMemoryEventStore) ReadAggregate(
	ctx context.Context,
	aggregateID string,
	fromVersion int,
) ([]event.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := s.byAggregate[aggregateID]
	if fromVersion < 0 {
		fromVersion = 0
	}
	if fromVersion >= len(positions) {
		return []event.StoredEvent{}, nil
	}

	result := make([]event.StoredEvent, 0, len(positions)-fromVersion)
	for _, pos := range positions[fromVersion:] {
		result = append(result, detach(s.log[pos]))
	}
	return result, nil
}

// ReadAll возвращает события со смещением больше fromGlobalOffset
func (s *InMemoryEventStore) ReadAll(
	ctx context.Context,
	fromGlobalOffset int64,
	limit int,
) ([]event.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromGlobalOffset < 0 {
		fromGlobalOffset = 0
	}
	total := int64(len(s.log))
	if fromGlobalOffset >= total {
		return []event.StoredEvent{}, nil
	}

	end := total
	if limit > 0 && fromGlobalOffset+int64(limit) < total {
		end = fromGlobalOffset + int64(limit)
	}

	result := make([]event.StoredEvent, 0, end-fromGlobalOffset)
	for _, stored := range s.log[fromGlobalOffset:end] {
		result = append(result, detach(stored))
	}
	return result, nil
}

// detach копирует полезную нагрузку, чтобы вызывающий не мог изменить журнал
func detach(stored event.StoredEvent) event.StoredEvent {
	stored.Payload = bytes.Clone(stored.Payload)
	return stored
}

// Version возвращает текущую версию агрегата
func (s *InMemoryEventStore) Version(_ context.Context, aggregateID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.byAggregate[aggregateID]), nil
}

// TailOffset возвращает последнее выданное смещение
func (s *InMemoryEventStore) TailOffset(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.log)), nil
}

// AggregateIDs возвращает идентификаторы всех агрегатов (для тестов)
func (s *InMemoryEventStore) AggregateIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.byAggregate))
	for id := range s.byAggregate {
		ids = append(ids, id)
	}
	return ids
}

// Corrupt подменяет тип события по смещению (для тестов обработки повреждений)
func (s *InMemoryEventStore) Corrupt(offset int64, eventType string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset < 1 || offset > int64(len(s.log)) {
		return false
	}
	s.log[offset-1].EventType = eventType
	return true
}
