// Package eventstore содержит реализации журнала событий: MongoDB, SQL (PostgreSQL/SQLite) и in-memory.
package eventstore

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// AppendObserver получает сведения о результатах записи (метрики)
type AppendObserver interface {
	ObserveAppend(events []event.StoredEvent, duration time.Duration)
	ObserveConflict(aggregateID string)
}

// config общие настройки всех реализаций
type config struct {
	logger        *slog.Logger
	now           func() time.Time
	aggregateType string
	observer      AppendObserver
}

func defaultConfig() config {
	return config{
		logger:        slog.Default(),
		now:           time.Now,
		aggregateType: orderdomain.AggregateType,
	}
}

// Option configures event store implementations.
type Option func(*config)

// WithLogger sets the logger for event store.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock подменяет источник времени для recorded_at
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithAggregateType задает тип агрегата, записываемый в каждое событие
func WithAggregateType(aggregateType string) Option {
	return func(c *config) {
		c.aggregateType = aggregateType
	}
}

// WithObserver подключает метрики записи
func WithObserver(o AppendObserver) Option {
	return func(c *config) {
		c.observer = o
	}
}

func newConfig(opts []Option) config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// buildRecords присваивает новым событиям версии expectedVersion+1.. и
// смещения firstOffset.. . Все события одной пачки получают одно время записи.
func (c config) buildRecords(
	aggregateID string,
	events []event.NewEvent,
	expectedVersion int,
	firstOffset int64,
) []event.StoredEvent {
	recordedAt := event.NormalizeRecordedAt(c.now())

	records := make([]event.StoredEvent, len(events))
	for i, ne := range events {
		records[i] = event.StoredEvent{
			EventID:       uuid.NewString(),
			AggregateID:   aggregateID,
			AggregateType: c.aggregateType,
			Version:       expectedVersion + i + 1,
			EventType:     ne.EventType,
			SchemaVersion: ne.SchemaVersion,
			Payload:       bytes.Clone(ne.Payload),
			Metadata:      ne.Metadata,
			GlobalOffset:  firstOffset + int64(i),
			RecordedAt:    recordedAt,
		}
	}
	return records
}

func (c config) observeAppend(records []event.StoredEvent, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveAppend(records, time.Since(start))
	}
}

func (c config) observeConflict(aggregateID string) {
	if c.observer != nil {
		c.observer.ObserveConflict(aggregateID)
	}
}
