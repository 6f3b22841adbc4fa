package order

import (
	"context"
	"time"

	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// ReadModel is the denormalized order projection served to readers.
// Timestamps come from the events' recorded_at, never from the wall clock,
// so a rebuild reproduces them exactly.
type ReadModel struct {
	AggregateID    string                 `json:"order_id"`
	CustomerID     string                 `json:"customer_id"`
	Status         orderdomain.Status     `json:"status"`
	Currency       string                 `json:"currency"`
	Items          []orderdomain.LineItem `json:"items"`
	ItemCount      int                    `json:"item_count"`
	Total          int64                  `json:"total"`
	PaidAmount     int64                  `json:"paid_amount"`
	PaymentRef     string                 `json:"payment_ref,omitempty"`
	Carrier        string                 `json:"carrier,omitempty"`
	TrackingNumber string                 `json:"tracking_number,omitempty"`
	CancelReason   string                 `json:"cancel_reason,omitempty"`
	RefundDue      int64                  `json:"refund_due"`
	RefundedAmount int64                  `json:"refunded_amount"`
	RefundReason   string                 `json:"refund_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	PaidAt         *time.Time             `json:"paid_at,omitempty"`
	ShippedAt      *time.Time             `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time             `json:"delivered_at,omitempty"`
	CancelledAt    *time.Time             `json:"cancelled_at,omitempty"`
	RefundedAt     *time.Time             `json:"refunded_at,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`

	LastAppliedGlobalOffset int64 `json:"last_applied_global_offset"`
	LastAppliedVersion      int   `json:"last_applied_version"`
}

// Filters narrows projection listings. Limit <= 0 returns everything.
type Filters struct {
	Status     *orderdomain.Status
	CustomerID string
	Offset     int
	Limit      int
}

// ProjectionQueries is the read side used by QueryService.
type ProjectionQueries interface {
	// Get returns errs.ErrNotFound when no projection exists.
	Get(ctx context.Context, aggregateID string) (*ReadModel, error)

	// List returns projections ordered by aggregate id.
	List(ctx context.Context, filters Filters) ([]ReadModel, error)
}

// ProjectionTarget is a projection set the projector folds events into.
type ProjectionTarget interface {
	Get(ctx context.Context, aggregateID string) (*ReadModel, error)

	// Upsert stores rm only if its LastAppliedGlobalOffset is greater than the
	// stored one, in a single conditional write. It reports whether rm was stored.
	Upsert(ctx context.Context, rm ReadModel) (bool, error)
}

// ShadowStore is a projection set being rebuilt next to the live one.
type ShadowStore interface {
	ProjectionTarget

	// Swap atomically replaces the live projections with the shadow ones and
	// moves the live checkpoint to checkpoint.
	Swap(ctx context.Context, checkpoint int64) error

	// Discard drops the shadow without touching the live projections.
	Discard(ctx context.Context) error
}

// ProjectionStore is the live projection set with its consumer checkpoint.
type ProjectionStore interface {
	ProjectionTarget
	ProjectionQueries

	// Replace stores rm unconditionally.
	Replace(ctx context.Context, rm ReadModel) error

	// Checkpoint returns the global offset up to which the live set is complete.
	Checkpoint(ctx context.Context) (int64, error)

	// SaveCheckpoint advances the checkpoint. Lower values are ignored.
	SaveCheckpoint(ctx context.Context, offset int64) error

	// NewShadow returns an empty shadow set, clearing any leftover from an
	// interrupted rebuild.
	NewShadow(ctx context.Context) (ShadowStore, error)
}
