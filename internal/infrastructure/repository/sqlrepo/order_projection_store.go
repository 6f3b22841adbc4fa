// Package sqlrepo implements the order projection store on PostgreSQL and SQLite.
package sqlrepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
)

const (
	liveTable         = "order_projections"
	shadowTable       = "order_projections_shadow"
	orderCheckpointID = "order_projections"
)

var projectionColumns = []string{
	"aggregate_id", "customer_id", "status", "currency", "items", "item_count",
	"total", "paid_amount", "payment_ref", "carrier", "tracking_number",
	"cancel_reason", "refund_due", "refunded_amount", "refund_reason",
	"created_at", "paid_at", "shipped_at", "delivered_at", "cancelled_at",
	"refunded_at", "updated_at", "last_applied_global_offset", "last_applied_version",
}

type projectionRow struct {
	AggregateID             string `db:"aggregate_id"`
	CustomerID              string `db:"customer_id"`
	Status                  string `db:"status"`
	Currency                string `db:"currency"`
	Items                   string `db:"items"`
	ItemCount               int    `db:"item_count"`
	Total                   int64  `db:"total"`
	PaidAmount              int64  `db:"paid_amount"`
	PaymentRef              string `db:"payment_ref"`
	Carrier                 string `db:"carrier"`
	TrackingNumber          string `db:"tracking_number"`
	CancelReason            string `db:"cancel_reason"`
	RefundDue               int64  `db:"refund_due"`
	RefundedAmount          int64  `db:"refunded_amount"`
	RefundReason            string `db:"refund_reason"`
	CreatedAt               int64  `db:"created_at"`
	PaidAt                  *int64 `db:"paid_at"`
	ShippedAt               *int64 `db:"shipped_at"`
	DeliveredAt             *int64 `db:"delivered_at"`
	CancelledAt             *int64 `db:"cancelled_at"`
	RefundedAt              *int64 `db:"refunded_at"`
	UpdatedAt               int64  `db:"updated_at"`
	LastAppliedGlobalOffset int64  `db:"last_applied_global_offset"`
	LastAppliedVersion      int    `db:"last_applied_version"`
}

// OrderProjectionStore implements orderapp.ProjectionStore with sqlx.
// The shadow set lives in a twin table; Swap copies it over the live table
// in one transaction.
type OrderProjectionStore struct {
	db *sqlx.DB
}

// NewOrderProjectionStore expects the schema from sqldb.Migrate.
func NewOrderProjectionStore(db *sqlx.DB) *OrderProjectionStore {
	return &OrderProjectionStore{db: db}
}

func (s *OrderProjectionStore) Get(ctx context.Context, aggregateID string) (*orderapp.ReadModel, error) {
	return getProjection(ctx, s.db, liveTable, aggregateID)
}

func (s *OrderProjectionStore) Upsert(ctx context.Context, rm orderapp.ReadModel) (bool, error) {
	return upsertProjection(ctx, s.db, liveTable, rm, true)
}

func (s *OrderProjectionStore) Replace(ctx context.Context, rm orderapp.ReadModel) error {
	_, err := upsertProjection(ctx, s.db, liveTable, rm, false)
	return err
}

// List returns projections ordered by aggregate id.
func (s *OrderProjectionStore) List(ctx context.Context, filters orderapp.Filters) ([]orderapp.ReadModel, error) {
	var (
		where []string
		args  []any
	)
	if filters.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filters.Status))
	}
	if filters.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filters.CustomerID)
	}

	query := "SELECT " + strings.Join(projectionColumns, ", ") + " FROM " + liveTable
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY aggregate_id"
	if filters.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filters.Limit, max(filters.Offset, 0))
	}

	var rows []projectionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list order projections: %w", err)
	}
	if filters.Limit <= 0 && filters.Offset > 0 {
		rows = rows[min(filters.Offset, len(rows)):]
	}

	result := make([]orderapp.ReadModel, 0, len(rows))
	for i := range rows {
		rm, err := rowToReadModel(&rows[i])
		if err != nil {
			return nil, err
		}
		result = append(result, rm)
	}
	return result, nil
}

func (s *OrderProjectionStore) Checkpoint(ctx context.Context) (int64, error) {
	var position int64
	err := s.db.GetContext(ctx, &position,
		s.db.Rebind(`SELECT position FROM projection_checkpoints WHERE name = ?`), orderCheckpointID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return position, nil
}

// SaveCheckpoint ignores offsets at or below the stored one.
func (s *OrderProjectionStore) SaveCheckpoint(ctx context.Context, offset int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projection_checkpoints (name, position) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET position = excluded.position
		WHERE projection_checkpoints.position < excluded.position`),
		orderCheckpointID, offset)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// NewShadow clears the shadow table left by an interrupted rebuild.
func (s *OrderProjectionStore) NewShadow(ctx context.Context) (orderapp.ShadowStore, error) {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+shadowTable); err != nil {
		return nil, fmt.Errorf("failed to clear shadow projections: %w", err)
	}
	return &shadowStore{db: s.db}, nil
}

type shadowStore struct {
	db *sqlx.DB
}

func (s *shadowStore) Get(ctx context.Context, aggregateID string) (*orderapp.ReadModel, error) {
	return getProjection(ctx, s.db, shadowTable, aggregateID)
}

func (s *shadowStore) Upsert(ctx context.Context, rm orderapp.ReadModel) (bool, error) {
	return upsertProjection(ctx, s.db, shadowTable, rm, true)
}

// Swap replaces the live rows and the checkpoint in a single transaction.
func (s *shadowStore) Swap(ctx context.Context, checkpoint int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin swap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	columns := strings.Join(projectionColumns, ", ")
	statements := []string{
		"DELETE FROM " + liveTable,
		"INSERT INTO " + liveTable + " (" + columns + ") SELECT " + columns + " FROM " + shadowTable,
		"DELETE FROM " + shadowTable,
	}
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to swap shadow projections: %w", err)
		}
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO projection_checkpoints (name, position) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET position = excluded.position`),
		orderCheckpointID, checkpoint); err != nil {
		return fmt.Errorf("failed to set checkpoint: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit swap: %w", err)
	}
	return nil
}

func (s *shadowStore) Discard(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM "+shadowTable); err != nil {
		return fmt.Errorf("failed to discard shadow projections: %w", err)
	}
	return nil
}

func getProjection(ctx context.Context, db *sqlx.DB, table, aggregateID string) (*orderapp.ReadModel, error) {
	if aggregateID == "" {
		return nil, errs.ErrInvalidInput
	}

	query := "SELECT " + strings.Join(projectionColumns, ", ") + " FROM " + table + " WHERE aggregate_id = ?"
	var row projectionRow
	err := db.GetContext(ctx, &row, db.Rebind(query), aggregateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order projection: %w", err)
	}

	rm, err := rowToReadModel(&row)
	if err != nil {
		return nil, err
	}
	return &rm, nil
}

// upsertProjection is a single INSERT ... ON CONFLICT statement. With
// conditional set, the update only fires for a strictly newer offset.
func upsertProjection(
	ctx context.Context,
	db *sqlx.DB,
	table string,
	rm orderapp.ReadModel,
	conditional bool,
) (bool, error) {
	row, err := readModelToRow(rm)
	if err != nil {
		return false, err
	}

	named := make([]string, len(projectionColumns))
	updates := make([]string, 0, len(projectionColumns)-1)
	for i, c := range projectionColumns {
		named[i] = ":" + c
		if c != "aggregate_id" {
			updates = append(updates, c+" = excluded."+c)
		}
	}

	query := "INSERT INTO " + table + " (" + strings.Join(projectionColumns, ", ") + ") VALUES (" +
		strings.Join(named, ", ") + ") ON CONFLICT (aggregate_id) DO UPDATE SET " + strings.Join(updates, ", ")
	if conditional {
		query += " WHERE " + table + ".last_applied_global_offset < excluded.last_applied_global_offset"
	}

	res, err := db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, fmt.Errorf("failed to upsert order projection: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read upsert result: %w", err)
	}
	return affected > 0, nil
}

func readModelToRow(rm orderapp.ReadModel) (projectionRow, error) {
	items := rm.Items
	if items == nil {
		items = []orderdomain.LineItem{}
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return projectionRow{}, fmt.Errorf("failed to encode line items: %w", err)
	}

	return projectionRow{
		AggregateID:             rm.AggregateID,
		CustomerID:              rm.CustomerID,
		Status:                  string(rm.Status),
		Currency:                rm.Currency,
		Items:                   string(encoded),
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
		CreatedAt:               sqldb.ToMillis(rm.CreatedAt),
		PaidAt:                  sqldb.ToNullableMillis(rm.PaidAt),
		ShippedAt:               sqldb.ToNullableMillis(rm.ShippedAt),
		DeliveredAt:             sqldb.ToNullableMillis(rm.DeliveredAt),
		CancelledAt:             sqldb.ToNullableMillis(rm.CancelledAt),
		RefundedAt:              sqldb.ToNullableMillis(rm.RefundedAt),
		UpdatedAt:               sqldb.ToMillis(rm.UpdatedAt),
		LastAppliedGlobalOffset: rm.LastAppliedGlobalOffset,
		LastAppliedVersion:      rm.LastAppliedVersion,
	}, nil
}

func rowToReadModel(row *projectionRow) (orderapp.ReadModel, error) {
	var items []orderdomain.LineItem
	if err := json.Unmarshal([]byte(row.Items), &items); err != nil {
		return orderapp.ReadModel{}, fmt.Errorf("failed to decode line items of %s: %w", row.AggregateID, err)
	}

	return orderapp.ReadModel{
		AggregateID:             row.AggregateID,
		CustomerID:              row.CustomerID,
		Status:                  orderdomain.Status(row.Status),
		Currency:                row.Currency,
		Items:                   items,
		ItemCount:               row.ItemCount,
		Total:                   row.Total,
		PaidAmount:              row.PaidAmount,
		PaymentRef:              row.PaymentRef,
		Carrier:                 row.Carrier,
		TrackingNumber:          row.TrackingNumber,
		CancelReason:            row.CancelReason,
		RefundDue:               row.RefundDue,
		RefundedAmount:          row.RefundedAmount,
		RefundReason:            row.RefundReason,
		CreatedAt:               sqldb.FromMillis(row.CreatedAt),
		PaidAt:                  sqldb.FromNullableMillis(row.PaidAt),
		ShippedAt:               sqldb.FromNullableMillis(row.ShippedAt),
		DeliveredAt:             sqldb.FromNullableMillis(row.DeliveredAt),
		CancelledAt:             sqldb.FromNullableMillis(row.CancelledAt),
		RefundedAt:              sqldb.FromNullableMillis(row.RefundedAt),
		UpdatedAt:               sqldb.FromMillis(row.UpdatedAt),
		LastAppliedGlobalOffset: row.LastAppliedGlobalOffset,
		LastAppliedVersion:      row.LastAppliedVersion,
	}, nil
}
