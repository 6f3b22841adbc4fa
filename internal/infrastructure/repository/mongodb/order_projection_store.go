package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// Collection names used by the projection store.
const (
	CollectionOrderProjections       = "order_projections"
	CollectionOrderProjectionsShadow = "order_projections_shadow"
	CollectionProjectionCheckpoints  = "projection_checkpoints"

	orderCheckpointID = "order_projections"
	upsertAttempts    = 2
)

type lineItemDocument struct {
	SKU       string `bson:"sku"`
	Quantity  int    `bson:"quantity"`
	UnitPrice int64  `bson:"unit_price"`
}

// orderProjectionDocument представляет проекцию заказа в MongoDB
type orderProjectionDocument struct {
	AggregateID    string             `bson:"_id"`
	CustomerID     string             `bson:"customer_id"`
	Status         string             `bson:"status"`
	Currency       string             `bson:"currency"`
	Items          []lineItemDocument `bson:"items"`
	ItemCount      int                `bson:"item_count"`
	Total          int64              `bson:"total"`
	PaidAmount     int64              `bson:"paid_amount"`
	PaymentRef     string             `bson:"payment_ref"`
	Carrier        string             `bson:"carrier"`
	TrackingNumber string             `bson:"tracking_number"`
	CancelReason   string             `bson:"cancel_reason"`
	RefundDue      int64              `bson:"refund_due"`
	RefundedAmount int64              `bson:"refunded_amount"`
	RefundReason   string             `bson:"refund_reason"`
	CreatedAt      time.Time          `bson:"created_at"`
	PaidAt         *time.Time         `bson:"paid_at,omitempty"`
	ShippedAt      *time.Time         `bson:"shipped_at,omitempty"`
	DeliveredAt    *time.Time         `bson:"delivered_at,omitempty"`
	CancelledAt    *time.Time         `bson:"cancelled_at,omitempty"`
	RefundedAt     *time.Time         `bson:"refunded_at,omitempty"`
	UpdatedAt      time.Time          `bson:"updated_at"`

	LastAppliedGlobalOffset int64 `bson:"last_applied_global_offset"`
	LastAppliedVersion      int   `bson:"last_applied_version"`
}

type checkpointDocument struct {
	ID       string `bson:"_id"`
	Position int64  `bson:"position"`
}

// OrderProjectionStore реализует orderapp.ProjectionStore поверх MongoDB.
// Полная пересборка пишет в теневую коллекцию и подменяет живую через renameCollection.
type OrderProjectionStore struct {
	db          *mongo.Database
	live        *mongo.Collection
	checkpoints *mongo.Collection
}

// NewOrderProjectionStore создает MongoDB Order Projection Store
func NewOrderProjectionStore(db *mongo.Database) *OrderProjectionStore {
	return &OrderProjectionStore{
		db:          db,
		live:        db.Collection(CollectionOrderProjections),
		checkpoints: db.Collection(CollectionProjectionCheckpoints),
	}
}

// Get находит проекцию заказа по ID
func (s *OrderProjectionStore) Get(ctx context.Context, aggregateID string) (*orderapp.ReadModel, error) {
	return getProjection(ctx, s.live, aggregateID)
}

// Upsert сохраняет проекцию, если она новее сохраненной
func (s *OrderProjectionStore) Upsert(ctx context.Context, rm orderapp.ReadModel) (bool, error) {
	return upsertProjection(ctx, s.live, rm)
}

// Replace сохраняет проекцию безусловно
func (s *OrderProjectionStore) Replace(ctx context.Context, rm orderapp.ReadModel) error {
	doc := readModelToDocument(rm)
	_, err := s.live.ReplaceOne(ctx, bson.M{"_id": doc.AggregateID}, doc, ReplaceUpsertOptions())
	return HandleMongoError(err, "order_projection")
}

// List возвращает проекции, отсортированные по ID агрегата
func (s *OrderProjectionStore) List(ctx context.Context, filters orderapp.Filters) ([]orderapp.ReadModel, error) {
	filter := bson.M{}
	if filters.Status != nil {
		filter["status"] = string(*filters.Status)
	}
	if filters.CustomerID != "" {
		filter["customer_id"] = filters.CustomerID
	}

	return listDocuments(ctx, s.live, filter,
		FindWithPagination(filters.Offset, filters.Limit, "_id", 1),
		documentToReadModel, "order_projection")
}

// Checkpoint возвращает позицию потребителя
func (s *OrderProjectionStore) Checkpoint(ctx context.Context) (int64, error) {
	var doc checkpointDocument
	err := s.checkpoints.FindOne(ctx, bson.M{"_id": orderCheckpointID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, HandleMongoError(err, "projection_checkpoint")
	}
	return doc.Position, nil
}

// SaveCheckpoint сдвигает позицию потребителя вперед; меньшие значения игнорируются
func (s *OrderProjectionStore) SaveCheckpoint(ctx context.Context, offset int64) error {
	_, err := s.checkpoints.UpdateOne(ctx,
		bson.M{"_id": orderCheckpointID},
		bson.M{"$max": bson.M{"position": offset}},
		options.UpdateOne().SetUpsert(true),
	)
	return HandleMongoError(err, "projection_checkpoint")
}

// NewShadow пересоздает теневую коллекцию с индексами живой
func (s *OrderProjectionStore) NewShadow(ctx context.Context) (orderapp.ShadowStore, error) {
	shadow := s.db.Collection(CollectionOrderProjectionsShadow)
	if err := shadow.Drop(ctx); err != nil {
		return nil, fmt.Errorf("failed to drop shadow projections: %w", err)
	}
	if err := s.db.CreateCollection(ctx, CollectionOrderProjectionsShadow); err != nil {
		return nil, fmt.Errorf("failed to create shadow projections: %w", err)
	}
	if _, err := shadow.Indexes().CreateMany(ctx, projectionIndexModels()); err != nil {
		return nil, fmt.Errorf("failed to index shadow projections: %w", err)
	}

	return &shadowStore{store: s, coll: shadow}, nil
}

type shadowStore struct {
	store *OrderProjectionStore
	coll  *mongo.Collection
}

func (s *shadowStore) Get(ctx context.Context, aggregateID string) (*orderapp.ReadModel, error) {
	return getProjection(ctx, s.coll, aggregateID)
}

func (s *shadowStore) Upsert(ctx context.Context, rm orderapp.ReadModel) (bool, error) {
	return upsertProjection(ctx, s.coll, rm)
}

// Swap переименовывает теневую коллекцию в живую с dropTarget.
// Читатели видят либо старый набор, либо новый. Чекпоинт пишется следом:
// если процесс упадет между шагами, потребитель повторно пройдет уже
// примененные события, и условный upsert их пропустит.
func (s *shadowStore) Swap(ctx context.Context, checkpoint int64) error {
	dbName := s.store.db.Name()
	cmd := bson.D{
		{Key: "renameCollection", Value: dbName + "." + CollectionOrderProjectionsShadow},
		{Key: "to", Value: dbName + "." + CollectionOrderProjections},
		{Key: "dropTarget", Value: true},
	}
	if err := s.store.db.Client().Database("admin").RunCommand(ctx, cmd).Err(); err != nil {
		return fmt.Errorf("failed to swap shadow projections: %w", err)
	}

	_, err := s.store.checkpoints.UpdateOne(ctx,
		bson.M{"_id": orderCheckpointID},
		bson.M{"$set": bson.M{"position": checkpoint}},
		options.UpdateOne().SetUpsert(true),
	)
	return HandleMongoError(err, "projection_checkpoint")
}

func (s *shadowStore) Discard(ctx context.Context) error {
	if err := s.coll.Drop(ctx); err != nil {
		return fmt.Errorf("failed to drop shadow projections: %w", err)
	}
	return nil
}

func getProjection(ctx context.Context, coll *mongo.Collection, aggregateID string) (*orderapp.ReadModel, error) {
	if aggregateID == "" {
		return nil, errs.ErrInvalidInput
	}

	var doc orderProjectionDocument
	if err := coll.FindOne(ctx, bson.M{"_id": aggregateID}).Decode(&doc); err != nil {
		return nil, HandleMongoError(err, "order_projection")
	}

	rm := documentToReadModel(&doc)
	return &rm, nil
}

// upsertProjection заменяет документ только если его смещение меньше нового.
// Если документ новее, фильтр не совпадает, и upsert упирается в _id:
// это означает, что запись уже актуальна.
func upsertProjection(ctx context.Context, coll *mongo.Collection, rm orderapp.ReadModel) (bool, error) {
	doc := readModelToDocument(rm)
	filter := bson.M{
		"_id":                        doc.AggregateID,
		"last_applied_global_offset": bson.M{"$lt": doc.LastAppliedGlobalOffset},
	}

	for attempt := 1; ; attempt++ {
		res, err := coll.ReplaceOne(ctx, filter, doc, ReplaceUpsertOptions())
		if err == nil {
			return res.MatchedCount > 0 || res.UpsertedCount > 0, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return false, HandleMongoError(err, "order_projection")
		}
		// вставка проиграла гонку; повтор увидит существующий документ
		if attempt >= upsertAttempts {
			return false, nil
		}
	}
}

func projectionIndexModels() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_order_projections_status"),
		},
		{
			Keys:    bson.D{{Key: "customer_id", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_order_projections_customer"),
		},
	}
}

func readModelToDocument(rm orderapp.ReadModel) orderProjectionDocument {
	items := make([]lineItemDocument, 0, len(rm.Items))
	for _, it := range rm.Items {
		items = append(items, lineItemDocument{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	return orderProjectionDocument{
		AggregateID:             rm.AggregateID,
		CustomerID:              rm.CustomerID,
		Status:                  string(rm.Status),
		Currency:                rm.Currency,
		Items:                   items,
		ItemCount:               rm.ItemCount,
		Total:                   rm.Total,
		PaidAmount:              rm.PaidAmount,
		PaymentRef:              rm.PaymentRef,
		Carrier:                 rm.Carrier,
		TrackingNumber:          rm.TrackingNumber,
		CancelReason:            rm.CancelReason,
		RefundDue:               rm.RefundDue,
		RefundedAmount:          rm.RefundedAmount,
		RefundReason:            rm.RefundReason,
		CreatedAt:               rm.CreatedAt,
		PaidAt:                  rm.PaidAt,
		ShippedAt:               rm.ShippedAt,
		DeliveredAt:             rm.DeliveredAt,
		CancelledAt:             rm.CancelledAt,
		RefundedAt:              rm.RefundedAt,
		UpdatedAt:               rm.UpdatedAt,
		LastAppliedGlobalOffset: rm.LastAppliedGlobalOffset,
		LastAppliedVersion:      rm.LastAppliedVersion,
	}
}

func documentToReadModel(doc *orderProjectionDocument) orderapp.ReadModel {
	items := make([]orderdomain.LineItem, 0, len(doc.Items))
	for _, it := range doc.Items {
		items = append(items, orderdomain.LineItem{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	return orderapp.ReadModel{
		AggregateID:             doc.AggregateID,
		CustomerID:              doc.CustomerID,
		Status:                  orderdomain.Status(doc.Status),
		Currency:                doc.Currency,
		Items:                   items,
		ItemCount:               doc.ItemCount,
		Total:                   doc.Total,
		PaidAmount:              doc.PaidAmount,
		PaymentRef:              doc.PaymentRef,
		Carrier:                 doc.Carrier,
		TrackingNumber:          doc.TrackingNumber,
		CancelReason:            doc.CancelReason,
		RefundDue:               doc.RefundDue,
		RefundedAmount:          doc.RefundedAmount,
		RefundReason:            doc.RefundReason,
		CreatedAt:               doc.CreatedAt.UTC(),
		PaidAt:                  utcPtr(doc.PaidAt),
		ShippedAt:               utcPtr(doc.ShippedAt),
		DeliveredAt:             utcPtr(doc.DeliveredAt),
		CancelledAt:             utcPtr(doc.CancelledAt),
		RefundedAt:              utcPtr(doc.RefundedAt),
		UpdatedAt:               doc.UpdatedAt.UTC(),
		LastAppliedGlobalOffset: doc.LastAppliedGlobalOffset,
		LastAppliedVersion:      doc.LastAppliedVersion,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
