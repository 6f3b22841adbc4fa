package projector

import (
	"fmt"
	"slices"
	"time"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// project folds one decoded event into the projection. cur is nil for a new order.
// Timestamps come from the event's recorded_at.
func project(cur *orderapp.ReadModel, stored event.StoredEvent, e orderdomain.Event) orderapp.ReadModel {
	var rm orderapp.ReadModel
	if cur != nil {
		rm = *cur
		rm.Items = slices.Clone(cur.Items)
	}
	at := stored.RecordedAt

	switch ev := e.(type) {
	case orderdomain.OrderCreated:
		rm = orderapp.ReadModel{
			AggregateID: stored.AggregateID,
			CustomerID:  ev.CustomerID,
			Status:      orderdomain.StatusCreated,
			Currency:    ev.Currency,
			Items:       slices.Clone(ev.Items),
			ItemCount:   len(ev.Items),
			Total:       ev.Total,
			CreatedAt:   at,
		}
	case orderdomain.OrderPaid:
		rm.Status = orderdomain.StatusPaid
		rm.PaidAmount = ev.Amount
		rm.PaymentRef = ev.PaymentRef
		rm.PaidAt = timePtr(at)
	case orderdomain.OrderShipped:
		rm.Status = orderdomain.StatusShipped
		rm.Carrier = ev.Carrier
		rm.TrackingNumber = ev.TrackingNumber
		rm.ShippedAt = timePtr(at)
	case orderdomain.OrderDelivered:
		rm.Status = orderdomain.StatusDelivered
		rm.DeliveredAt = timePtr(at)
	case orderdomain.OrderCancelled:
		rm.Status = orderdomain.StatusCancelled
		rm.CancelReason = ev.Reason
		rm.RefundDue = ev.RefundDue
		rm.CancelledAt = timePtr(at)
	case orderdomain.OrderRefunded:
		rm.Status = orderdomain.StatusRefunded
		rm.RefundedAmount = ev.Amount
		rm.RefundReason = ev.Reason
		rm.RefundedAt = timePtr(at)
	}

	rm.UpdatedAt = at
	rm.LastAppliedGlobalOffset = stored.GlobalOffset
	rm.LastAppliedVersion = stored.Version
	return rm
}

// projectStream builds a projection from a complete aggregate stream.
func projectStream(stream []event.StoredEvent) (orderapp.ReadModel, error) {
	var cur *orderapp.ReadModel
	for i, stored := range stream {
		if stored.Version != i+1 {
			return orderapp.ReadModel{}, fmt.Errorf("%w: %s expected version %d, got %d",
				appcore.ErrCorruptStream, stored.AggregateID, i+1, stored.Version)
		}
		e, err := orderdomain.Decode(stored)
		if err != nil {
			return orderapp.ReadModel{}, err
		}
		next := project(cur, stored, e)
		cur = &next
	}
	if cur == nil {
		return orderapp.ReadModel{}, fmt.Errorf("%w: empty stream", appcore.ErrCorruptStream)
	}
	return *cur, nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}
