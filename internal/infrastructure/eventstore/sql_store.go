package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
)

const eventColumns = `global_offset, event_id, aggregate_id, aggregate_type, version,
	event_type, schema_version, payload, metadata, recorded_at`

const (
	reserveOffsetsSQL = `UPDATE event_sequence SET last_offset = last_offset + ? WHERE id = 1 RETURNING last_offset`
	currentVersionSQL = `SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`
	insertEventSQL    = `INSERT INTO events (` + eventColumns + `) VALUES (
		:global_offset, :event_id, :aggregate_id, :aggregate_type, :version,
		:event_type, :schema_version, :payload, :metadata, :recorded_at)`
)

// eventRow represents a row of the events table
type eventRow struct {
	GlobalOffset  int64  `db:"global_offset"`
	EventID       string `db:"event_id"`
	AggregateID   string `db:"aggregate_id"`
	AggregateType string `db:"aggregate_type"`
	Version       int    `db:"version"`
	EventType     string `db:"event_type"`
	SchemaVersion int    `db:"schema_version"`
	Payload       string `db:"payload"`
	Metadata      string `db:"metadata"`
	RecordedAt    int64  `db:"recorded_at"`
}

// SQLEventStore реализует EventStore поверх PostgreSQL или SQLite.
// Смещения выдаются строкой event_sequence, обновляемой в той же транзакции,
// что и вставка: конкурентные записи сериализуются на этой строке, поэтому
// порядок фиксации совпадает с порядком смещений, а пропусков нет.
type SQLEventStore struct {
	db  *sqlx.DB
	cfg config
}

// NewSQLEventStore создает SQL Event Store; схема должна быть применена через sqldb.Migrate
func NewSQLEventStore(db *sqlx.DB, opts ...Option) *SQLEventStore {
	return &SQLEventStore{
		db:  db,
		cfg: newConfig(opts),
	}
}

// Append сохраняет события агрегата с оптимистичной блокировкой
func (s *SQLEventStore) Append(
	ctx context.Context,
	aggregateID string,
	events []event.NewEvent,
	expectedVersion int,
) (int, error) {
	if err := appcore.ValidateAppend(aggregateID, events, expectedVersion); err != nil {
		return 0, err
	}

	start := time.Now()

	records, err := s.appendTx(ctx, aggregateID, events, expectedVersion)
	if err != nil {
		if sqldb.IsUniqueViolation(err) {
			actual, errVersion := s.Version(ctx, aggregateID)
			if errVersion != nil {
				return 0, fmt.Errorf("failed to read version after unique violation: %w", errVersion)
			}
			err = appcore.NewConcurrencyConflictError(aggregateID, expectedVersion, actual)
		}

		if errors.Is(err, appcore.ErrConcurrencyConflict) {
			s.cfg.logger.WarnContext(ctx, "concurrency conflict in event store",
				slog.String("aggregate_id", aggregateID),
				slog.Int("expected_version", expectedVersion),
				slog.String("error", err.Error()),
			)
			s.cfg.observeConflict(aggregateID)
			return 0, err
		}

		s.cfg.logger.ErrorContext(ctx, "failed to append events",
			slog.String("aggregate_id", aggregateID),
			slog.Int("events_count", len(events)),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%w: %w", appcore.ErrEventStoreError, err)
	}

	s.cfg.observeAppend(records, start)
	return expectedVersion + len(events), nil
}

func (s *SQLEventStore) appendTx(
	ctx context.Context,
	aggregateID string,
	events []event.NewEvent,
	expectedVersion int,
) ([]event.StoredEvent, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	// 1. Резервируем смещения; строка счетчика блокируется до конца транзакции
	var lastOffset int64
	if err = tx.QueryRowxContext(ctx, tx.Rebind(reserveOffsetsSQL), len(events)).Scan(&lastOffset); err != nil {
		return nil, fmt.Errorf("failed to reserve global offsets: %w", err)
	}

	// 2. Проверяем текущую версию (оптимистичная блокировка)
	var currentVersion int
	if err = tx.GetContext(ctx, &currentVersion, tx.Rebind(currentVersionSQL), aggregateID); err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}
	if currentVersion != expectedVersion {
		return nil, appcore.NewConcurrencyConflictError(aggregateID, expectedVersion, currentVersion)
	}

	// 3. Вставляем события
	records := s.cfg.buildRecords(aggregateID, events, expectedVersion, lastOffset-int64(len(events))+1)
	for _, r := range records {
		row, errRow := toEventRow(r)
		if errRow != nil {
			return nil, errRow
		}
		if _, err = tx.NamedExecContext(ctx, insertEventSQL, row); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit events: %w", err)
	}
	committed = true

	return records, nil
}

// ReadAggregate загружает события агрегата с версией больше fromVersion
func (s *SQLEventStore) ReadAggregate(
	ctx context.Context,
	aggregateID string,
	fromVersion int,
) ([]event.StoredEvent, error) {
	query := s.db.Rebind(`SELECT ` + eventColumns + ` FROM events
		WHERE aggregate_id = ? AND version > ? ORDER BY version`)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, query, aggregateID, fromVersion); err != nil {
		return nil, fmt.Errorf("failed to read aggregate %s: %w", aggregateID, err)
	}
	return fromEventRows(rows)
}

// ReadAll загружает события со смещением больше fromGlobalOffset
func (s *SQLEventStore) ReadAll(
	ctx context.Context,
	fromGlobalOffset int64,
	limit int,
) ([]event.StoredEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE global_offset > ? ORDER BY global_offset`
	args := []any{fromGlobalOffset}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to read events after offset %d: %w", fromGlobalOffset, err)
	}
	return fromEventRows(rows)
}

// Version возвращает текущую версию агрегата
func (s *SQLEventStore) Version(ctx context.Context, aggregateID string) (int, error) {
	var version int
	if err := s.db.GetContext(ctx, &version, s.db.Rebind(currentVersionSQL), aggregateID); err != nil {
		return 0, fmt.Errorf("failed to get version: %w", err)
	}
	return version, nil
}

// TailOffset возвращает последнее зафиксированное смещение
func (s *SQLEventStore) TailOffset(ctx context.Context) (int64, error) {
	var last int64
	if err := s.db.GetContext(ctx, &last, `SELECT last_offset FROM event_sequence WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("failed to read offset counter: %w", err)
	}
	return last, nil
}

func toEventRow(e event.StoredEvent) (eventRow, error) {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return eventRow{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return eventRow{
		GlobalOffset:  e.GlobalOffset,
		EventID:       e.EventID,
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		Version:       e.Version,
		EventType:     e.EventType,
		SchemaVersion: e.SchemaVersion,
		Payload:       string(e.Payload),
		Metadata:      string(metadata),
		RecordedAt:    sqldb.ToMillis(e.RecordedAt),
	}, nil
}

func fromEventRows(rows []eventRow) ([]event.StoredEvent, error) {
	events := make([]event.StoredEvent, 0, len(rows))
	for _, r := range rows {
		stored := event.StoredEvent{
			EventID:       r.EventID,
			AggregateID:   r.AggregateID,
			AggregateType: r.AggregateType,
			Version:       r.Version,
			EventType:     r.EventType,
			SchemaVersion: r.SchemaVersion,
			Payload:       []byte(r.Payload),
			GlobalOffset:  r.GlobalOffset,
			RecordedAt:    sqldb.FromMillis(r.RecordedAt),
		}
		if err := json.Unmarshal([]byte(r.Metadata), &stored.Metadata); err != nil {
			return nil, event.NewSerializationError(stored, err)
		}
		events = append(events, stored)
	}
	return events, nil
}
