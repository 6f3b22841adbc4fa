package order

import (
	"math"
	"slices"
	"strings"
)

const currencyCodeLength = 3

// Decide validates cmd against s and returns the events to append.
// It performs no I/O and returns *InvalidCommandError on rejection.
func Decide(s State, cmd Command) ([]Event, error) {
	if c, ok := cmd.(CreateOrder); ok {
		return decideCreate(s, c)
	}

	if !s.Exists() {
		return nil, rejectf(cmd, s.Status, "order %s does not exist", cmd.OrderID())
	}
	if s.Status.IsTerminal() {
		return nil, rejectf(cmd, s.Status, "order is closed")
	}

	switch c := cmd.(type) {
	case PayOrder:
		return decidePay(s, c)
	case ShipOrder:
		return decideShip(s, c)
	case DeliverOrder:
		return decideDeliver(s, c)
	case CancelOrder:
		return decideCancel(s, c)
	case RefundOrder:
		return decideRefund(s, c)
	default:
		return nil, rejectf(cmd, s.Status, "unsupported command")
	}
}

func decideCreate(s State, c CreateOrder) ([]Event, error) {
	if s.Exists() {
		return nil, rejectf(c, s.Status, "order %s already exists", c.ID)
	}
	if strings.TrimSpace(c.CustomerID) == "" {
		return nil, rejectf(c, s.Status, "customer id is required")
	}
	if len(c.Currency) != currencyCodeLength || strings.ToUpper(c.Currency) != c.Currency {
		return nil, rejectf(c, s.Status, "currency must be a 3-letter uppercase code, got %q", c.Currency)
	}
	if len(c.Items) == 0 {
		return nil, rejectf(c, s.Status, "at least one line item is required")
	}

	var total int64
	for i, item := range c.Items {
		if strings.TrimSpace(item.SKU) == "" {
			return nil, rejectf(c, s.Status, "item %d: sku is required", i)
		}
		if item.Quantity <= 0 {
			return nil, rejectf(c, s.Status, "item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return nil, rejectf(c, s.Status, "item %d: unit price must not be negative", i)
		}
		// amounts are minor units and must fit int64
		if item.UnitPrice > 0 && int64(item.Quantity) > math.MaxInt64/item.UnitPrice {
			return nil, rejectf(c, s.Status, "item %d: subtotal overflows", i)
		}
		subtotal := item.Subtotal()
		if total > math.MaxInt64-subtotal {
			return nil, rejectf(c, s.Status, "order total overflows")
		}
		total += subtotal
	}
	if total <= 0 {
		return nil, rejectf(c, s.Status, "order total must be positive")
	}

	return []Event{OrderCreated{
		CustomerID: c.CustomerID,
		Currency:   c.Currency,
		Items:      slices.Clone(c.Items),
		Total:      total,
	}}, nil
}

func decidePay(s State, c PayOrder) ([]Event, error) {
	if s.Status != StatusCreated {
		return nil, rejectf(c, s.Status, "only created orders can be paid")
	}
	if c.Amount != s.Total {
		return nil, rejectf(c, s.Status, "payment amount %d does not match order total %d", c.Amount, s.Total)
	}
	if strings.TrimSpace(c.PaymentRef) == "" {
		return nil, rejectf(c, s.Status, "payment reference is required")
	}
	return []Event{OrderPaid{Amount: c.Amount, PaymentRef: c.PaymentRef}}, nil
}

func decideShip(s State, c ShipOrder) ([]Event, error) {
	if s.Status != StatusPaid {
		return nil, rejectf(c, s.Status, "only paid orders can be shipped")
	}
	if strings.TrimSpace(c.Carrier) == "" || strings.TrimSpace(c.TrackingNumber) == "" {
		return nil, rejectf(c, s.Status, "carrier and tracking number are required")
	}
	return []Event{OrderShipped{Carrier: c.Carrier, TrackingNumber: c.TrackingNumber}}, nil
}

func decideDeliver(s State, c DeliverOrder) ([]Event, error) {
	if s.Status != StatusShipped {
		return nil, rejectf(c, s.Status, "only shipped orders can be delivered")
	}
	return []Event{OrderDelivered{ReceivedBy: c.ReceivedBy}}, nil
}

func decideCancel(s State, c CancelOrder) ([]Event, error) {
	if s.Status != StatusCreated && s.Status != StatusPaid {
		return nil, rejectf(c, s.Status, "order cannot be cancelled once shipped")
	}
	return []Event{OrderCancelled{Reason: c.Reason, RefundDue: s.PaidAmount}}, nil
}

func decideRefund(s State, c RefundOrder) ([]Event, error) {
	if s.Status != StatusPaid {
		return nil, rejectf(c, s.Status, "only paid orders can be refunded")
	}
	if c.Amount <= 0 || c.Amount > s.PaidAmount {
		return nil, rejectf(c, s.Status, "refund amount must be in (0, %d], got %d", s.PaidAmount, c.Amount)
	}
	return []Event{OrderRefunded{Amount: c.Amount, Reason: c.Reason}}, nil
}
