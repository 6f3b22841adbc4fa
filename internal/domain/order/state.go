package order

import "slices"

// Status is the lifecycle position of an order.
type Status string

const (
	// StatusNone means the stream has no events yet.
	StatusNone      Status = ""
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// IsTerminal reports whether no command is accepted in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	if s == StatusNone {
		return "none"
	}
	return string(s)
}

// State is the order aggregate rebuilt from its events. Version equals the
// number of events folded into it and is the optimistic concurrency token.
type State struct {
	ID             string
	Version        int
	Status         Status
	CustomerID     string
	Currency       string
	Items          []LineItem
	Total          int64
	PaidAmount     int64
	PaymentRef     string
	Carrier        string
	TrackingNumber string
	CancelReason   string
	RefundDue      int64
	RefundedAmount int64
	RefundReason   string
}

// Exists reports whether the order was created.
func (s State) Exists() bool {
	return s.Status != StatusNone
}

// Apply folds one event into the state. It never fails: events are facts
// already accepted by Decide, so no rule is re-checked here.
func Apply(s State, e Event) State {
	switch ev := e.(type) {
	case OrderCreated:
		s.Status = StatusCreated
		s.CustomerID = ev.CustomerID
		s.Currency = ev.Currency
		s.Items = slices.Clone(ev.Items)
		s.Total = ev.Total
	case OrderPaid:
		s.Status = StatusPaid
		s.PaidAmount = ev.Amount
		s.PaymentRef = ev.PaymentRef
	case OrderShipped:
		s.Status = StatusShipped
		s.Carrier = ev.Carrier
		s.TrackingNumber = ev.TrackingNumber
	case OrderDelivered:
		s.Status = StatusDelivered
	case OrderCancelled:
		s.Status = StatusCancelled
		s.CancelReason = ev.Reason
		s.RefundDue = ev.RefundDue
	case OrderRefunded:
		s.Status = StatusRefunded
		s.RefundedAmount = ev.Amount
		s.RefundReason = ev.Reason
	}
	s.Version++
	return s
}

// Fold rebuilds an order from its full, ordered stream.
func Fold(id string, events []Event) State {
	s := State{ID: id}
	for _, e := range events {
		s = Apply(s, e)
	}
	return s
}
