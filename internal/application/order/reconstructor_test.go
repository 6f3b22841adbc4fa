package order_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventstore"
	"github.com/lllypuk/orderledger/tests/testutil"
)

func TestReconstructor_EmptyStream(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	reconstructor := orderapp.NewReconstructor(eventstore.NewInMemoryEventStore())

	// Act
	state, version, err := reconstructor.Reconstruct(ctx, "order-1")

	// Assert
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.False(t, state.Exists())
}

func TestReconstructor_FoldsStream(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	items := []orderdomain.LineItem{{SKU: "SKU-1", Quantity: 3, UnitPrice: 400}}
	testutil.AppendOrderEvents(t, store, "order-1",
		orderdomain.OrderCreated{CustomerID: "customer-1", Currency: "USD", Items: items, Total: 1200},
		orderdomain.OrderPaid{Amount: 1200, PaymentRef: "pay-1"},
	)
	testutil.AppendOrderEvents(t, store, "order-1", orderdomain.OrderCancelled{Reason: "out of stock", RefundDue: 1200})
	testutil.AppendOrderEvents(t, store, "order-2",
		orderdomain.OrderCreated{CustomerID: "customer-2", Currency: "USD", Items: items, Total: 1200})

	reconstructor := orderapp.NewReconstructor(store)

	// Act
	state, version, err := reconstructor.Reconstruct(ctx, "order-1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.Equal(t, orderdomain.State{
		ID:           "order-1",
		Version:      3,
		Status:       orderdomain.StatusCancelled,
		CustomerID:   "customer-1",
		Currency:     "USD",
		Items:        items,
		Total:        1200,
		PaidAmount:   1200,
		PaymentRef:   "pay-1",
		CancelReason: "out of stock",
		RefundDue:    1200,
	}, state)
}

func TestReconstructor_CorruptPayload(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	testutil.AppendOrderEvents(t, store, "order-1", orderdomain.OrderCreated{
		CustomerID: "customer-1",
		Currency:   "EUR",
		Items:      []orderdomain.LineItem{{SKU: "SKU-1", Quantity: 1, UnitPrice: 100}},
		Total:      100,
	})
	require.True(t, store.Corrupt(1, "order.created.v9"))

	// Act
	_, _, err := orderapp.NewReconstructor(store).Reconstruct(ctx, "order-1")

	// Assert
	require.Error(t, err)
	assert.True(t, event.IsSerializationError(err))
}
