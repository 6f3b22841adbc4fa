package order_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lllypuk/orderledger/internal/domain/order"
)

func TestFold_HappyPath(t *testing.T) {
	// Arrange
	events := []order.Event{
		order.OrderCreated{CustomerID: "cust-1", Currency: "EUR", Items: sampleItems(), Total: 100},
		order.OrderPaid{Amount: 100, PaymentRef: "pay-1"},
		order.OrderShipped{Carrier: "DHL", TrackingNumber: "TRK-1"},
		order.OrderDelivered{ReceivedBy: "front desk"},
	}

	// Act
	s := order.Fold(testOrderID, events)

	// Assert
	assert.Equal(t, testOrderID, s.ID)
	assert.Equal(t, 4, s.Version)
	assert.Equal(t, order.StatusDelivered, s.Status)
	assert.Equal(t, int64(100), s.PaidAmount)
	assert.Equal(t, "TRK-1", s.TrackingNumber)
	assert.True(t, s.Status.IsTerminal())
}

func TestFold_IsDeterministic(t *testing.T) {
	// Arrange
	events := []order.Event{
		order.OrderCreated{CustomerID: "cust-1", Currency: "USD", Items: sampleItems(), Total: 100},
		order.OrderPaid{Amount: 100, PaymentRef: "pay-1"},
		order.OrderRefunded{Amount: 60, Reason: "partial"},
	}

	// Act
	first := order.Fold(testOrderID, events)
	second := order.Fold(testOrderID, events)

	// Assert
	assert.Equal(t, first, second)
}

func TestApply_DoesNotShareItems(t *testing.T) {
	// Arrange
	items := sampleItems()
	created := order.OrderCreated{CustomerID: "c", Currency: "EUR", Items: items, Total: 100}

	// Act
	s := order.Apply(order.State{ID: testOrderID}, created)
	items[0].Quantity = 99

	// Assert
	assert.Equal(t, 2, s.Items[0].Quantity)
}

func TestFold_EmptyStream(t *testing.T) {
	s := order.Fold(testOrderID, nil)

	assert.False(t, s.Exists())
	assert.Equal(t, 0, s.Version)
	assert.Equal(t, "none", s.Status.String())
}
