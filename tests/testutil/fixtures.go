package testutil

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// FixtureTime is the base timestamp used by read model fixtures.
var FixtureTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// CreateOrderCommandFixture returns a valid CreateOrder command with a fresh id.
func CreateOrderCommandFixture(opts ...func(*orderdomain.CreateOrder)) orderdomain.CreateOrder {
	cmd := orderdomain.CreateOrder{
		ID:         uuid.NewString(),
		CustomerID: "customer-1",
		Currency:   "EUR",
		Items: []orderdomain.LineItem{
			{SKU: "SKU-1", Quantity: 2, UnitPrice: 1500},
			{SKU: "SKU-2", Quantity: 1, UnitPrice: 2000},
		},
	}
	for _, opt := range opts {
		opt(&cmd)
	}
	return cmd
}

// WithOrderID sets the order id.
func WithOrderID(id string) func(*orderdomain.CreateOrder) {
	return func(cmd *orderdomain.CreateOrder) {
		cmd.ID = id
	}
}

// WithCustomer sets the customer id.
func WithCustomer(customerID string) func(*orderdomain.CreateOrder) {
	return func(cmd *orderdomain.CreateOrder) {
		cmd.CustomerID = customerID
	}
}

// WithItems replaces the line items.
func WithItems(items ...orderdomain.LineItem) func(*orderdomain.CreateOrder) {
	return func(cmd *orderdomain.CreateOrder) {
		cmd.Items = items
	}
}

// ReadModelFixture returns a created-order projection at the given offset.
func ReadModelFixture(id string, offset int64) orderapp.ReadModel {
	return orderapp.ReadModel{
		AggregateID: id,
		CustomerID:  "customer-1",
		Status:      orderdomain.StatusCreated,
		Currency:    "EUR",
		Items: []orderdomain.LineItem{
			{SKU: "SKU-1", Quantity: 2, UnitPrice: 1500},
		},
		ItemCount:               1,
		Total:                   3000,
		CreatedAt:               FixtureTime,
		UpdatedAt:               FixtureTime,
		LastAppliedGlobalOffset: offset,
		LastAppliedVersion:      1,
	}
}

// PaidReadModelFixture returns the projection of id after payment.
func PaidReadModelFixture(id string, offset int64) orderapp.ReadModel {
	rm := ReadModelFixture(id, offset)
	paidAt := FixtureTime.Add(time.Minute)
	rm.Status = orderdomain.StatusPaid
	rm.PaidAmount = rm.Total
	rm.PaymentRef = fmt.Sprintf("pay-%s", id)
	rm.PaidAt = &paidAt
	rm.UpdatedAt = paidAt
	rm.LastAppliedVersion = 2
	return rm
}
