package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
)

// Collection and counter names used by MongoEventStore.
const (
	EventsCollection   = "events"
	CountersCollection = "counters"
	eventsCounterID    = "events"
)

// errDuplicateVersion сигнализирует о нарушении уникального индекса (aggregate_id, version)
var errDuplicateVersion = errors.New("duplicate aggregate version")

// MongoEventStore реализует EventStore с использованием MongoDB.
// Запись идет в транзакции: проверка версии, резервирование смещений через
// счетчик в коллекции counters и вставка событий. Требуется replica set.
type MongoEventStore struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	counters   *mongo.Collection
	serializer *EventSerializer
	cfg        config
}

// NewMongoEventStore создает новый MongoDB Event Store
func NewMongoEventStore(client *mongo.Client, databaseName string, opts ...Option) *MongoEventStore {
	database := client.Database(databaseName)

	return &MongoEventStore{
		client:     client,
		database:   database,
		collection: database.Collection(EventsCollection),
		counters:   database.Collection(CountersCollection),
		serializer: NewEventSerializer(),
		cfg:        newConfig(opts),
	}
}

// Append сохраняет события агрегата с оптимистичной блокировкой
func (s *MongoEventStore) Append(
	ctx context.Context,
	aggregateID string,
	events []event.NewEvent,
	expectedVersion int,
) (int, error) {
	if err := appcore.ValidateAppend(aggregateID, events, expectedVersion); err != nil {
		return 0, err
	}

	start := time.Now()

	// Запускаем сессию для транзакции
	session, err := s.client.StartSession()
	if err != nil {
		s.cfg.logger.ErrorContext(ctx, "failed to start MongoDB session for event store",
			slog.String("aggregate_id", aggregateID),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	var records []event.StoredEvent

	// Конфликты записи на счетчике помечаются как TransientTransactionError,
	// и WithTransaction повторяет функцию целиком, включая проверку версии.
	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		// 1. Проверяем текущую версию (оптимистичная блокировка)
		currentVersion, errVersion := s.Version(txCtx, aggregateID)
		if errVersion != nil {
			return nil, errVersion
		}
		if currentVersion != expectedVersion {
			return nil, appcore.NewConcurrencyConflictError(aggregateID, expectedVersion, currentVersion)
		}

		// 2. Резервируем смещения в той же транзакции
		lastOffset, errReserve := s.reserveOffsets(txCtx, len(events))
		if errReserve != nil {
			return nil, errReserve
		}

		// 3. Сериализуем события
		records = s.cfg.buildRecords(aggregateID, events, expectedVersion, lastOffset-int64(len(events))+1)
		docs, errSerialize := s.serializer.SerializeMany(records)
		if errSerialize != nil {
			return nil, errSerialize
		}

		// 4. Вставляем события (bulk)
		if _, errInsert := s.collection.InsertMany(txCtx, docs); errInsert != nil {
			if mongo.IsDuplicateKeyError(errInsert) {
				return nil, errDuplicateVersion
			}
			return nil, fmt.Errorf("failed to insert events: %w", errInsert)
		}

		return nil, nil //nolint:nilnil // Transaction success returns nil for both values
	})

	switch {
	case err == nil:
		s.cfg.observeAppend(records, start)
		return expectedVersion + len(events), nil

	case errors.Is(err, errDuplicateVersion):
		actual, errVersion := s.Version(ctx, aggregateID)
		if errVersion != nil {
			return 0, fmt.Errorf("failed to read version after duplicate key: %w", errVersion)
		}
		err = appcore.NewConcurrencyConflictError(aggregateID, expectedVersion, actual)
		fallthrough

	case errors.Is(err, appcore.ErrConcurrencyConflict):
		s.cfg.logger.WarnContext(ctx, "concurrency conflict in event store",
			slog.String("aggregate_id", aggregateID),
			slog.Int("expected_version", expectedVersion),
			slog.String("error", err.Error()),
		)
		s.cfg.observeConflict(aggregateID)
		return 0, err

	default:
		s.cfg.logger.ErrorContext(ctx, "failed to append events",
			slog.String("aggregate_id", aggregateID),
			slog.Int("events_count", len(events)),
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("%w: %w", appcore.ErrEventStoreError, err)
	}
}

// reserveOffsets увеличивает счетчик на n и возвращает последнее выданное смещение
func (s *MongoEventStore) reserveOffsets(ctx context.Context, n int) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": eventsCounterID},
		bson.M{"$inc": bson.M{"seq": int64(n)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve global offsets: %w", err)
	}
	return counter.Seq, nil
}

// ReadAggregate загружает события агрегата с версией больше fromVersion
func (s *MongoEventStore) ReadAggregate(
	ctx context.Context,
	aggregateID string,
	fromVersion int,
) ([]event.StoredEvent, error) {
	filter := bson.M{
		"aggregate_id": aggregateID,
		"version":      bson.M{"$gt": fromVersion},
	}
	opts := options.Find().SetSort(bson.D{{Key: "version", Value: 1}})

	return s.find(ctx, filter, opts)
}

// ReadAll загружает события со смещением больше fromGlobalOffset
func (s *MongoEventStore) ReadAll(
	ctx context.Context,
	fromGlobalOffset int64,
	limit int,
) ([]event.StoredEvent, error) {
	filter := bson.M{"global_offset": bson.M{"$gt": fromGlobalOffset}}
	opts := options.Find().SetSort(bson.D{{Key: "global_offset", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	return s.find(ctx, filter, opts)
}

func (s *MongoEventStore) find(
	ctx context.Context,
	filter bson.M,
	opts *options.FindOptionsBuilder,
) ([]event.StoredEvent, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []EventDocument
	if err = cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode event documents: %w", err)
	}

	events := make([]event.StoredEvent, 0, len(docs))
	for i := range docs {
		stored, errDeserialize := s.serializer.Deserialize(&docs[i])
		if errDeserialize != nil {
			s.cfg.logger.ErrorContext(ctx, "corrupt event document",
				slog.String("event_id", docs[i].ID),
				slog.Int64("global_offset", docs[i].GlobalOffset),
				slog.String("error", errDeserialize.Error()),
			)
			return nil, errDeserialize
		}
		events = append(events, stored)
	}

	return events, nil
}

// Version возвращает текущую версию агрегата
func (s *MongoEventStore) Version(ctx context.Context, aggregateID string) (int, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "version", Value: -1}}).
		SetProjection(bson.M{"version": 1})

	var doc struct {
		Version int `bson:"version"`
	}
	err := s.collection.FindOne(ctx, bson.M{"aggregate_id": aggregateID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get version: %w", err)
	}

	return doc.Version, nil
}

// TailOffset возвращает значение счетчика смещений
func (s *MongoEventStore) TailOffset(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOne(ctx, bson.M{"_id": eventsCounterID}).Decode(&counter)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read offset counter: %w", err)
	}
	return counter.Seq, nil
}
