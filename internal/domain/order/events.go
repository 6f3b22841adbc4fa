// Package order contains the order aggregate: its closed set of events, the
// pure fold that rebuilds state from them and the command decision rules.
package order

// AggregateType is stored with every order event.
const AggregateType = "order"

// Event type discriminants.
const (
	EventTypeOrderCreated   = "order.created"
	EventTypeOrderPaid      = "order.paid"
	EventTypeOrderShipped   = "order.shipped"
	EventTypeOrderDelivered = "order.delivered"
	EventTypeOrderCancelled = "order.cancelled"
	EventTypeOrderRefunded  = "order.refunded"
)

// Current payload schema versions. Older versions stay decodable in codec.go.
const (
	schemaOrderCreated   = 2
	schemaOrderPaid      = 1
	schemaOrderShipped   = 1
	schemaOrderDelivered = 1
	schemaOrderCancelled = 1
	schemaOrderRefunded  = 1
)

// Event is the closed union of order events. Only this package can add variants.
type Event interface {
	EventType() string
	SchemaVersion() int
	isOrderEvent()
}

// LineItem is a single ordered product. Prices are in minor currency units.
type LineItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Subtotal returns quantity times unit price.
func (li LineItem) Subtotal() int64 {
	return int64(li.Quantity) * li.UnitPrice
}

// OrderCreated opens an order stream.
type OrderCreated struct {
	CustomerID string     `json:"customer_id"`
	Currency   string     `json:"currency"`
	Items      []LineItem `json:"items"`
	Total      int64      `json:"total"`
}

// OrderPaid records a payment covering the order total.
type OrderPaid struct {
	Amount     int64  `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

// OrderShipped records the hand-over to a carrier.
type OrderShipped struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// OrderDelivered records the delivery confirmation.
type OrderDelivered struct {
	ReceivedBy string `json:"received_by,omitempty"`
}

// OrderCancelled closes the order before shipping. RefundDue is what was
// already paid and still has to be returned to the customer.
type OrderCancelled struct {
	Reason    string `json:"reason,omitempty"`
	RefundDue int64  `json:"refund_due"`
}

// OrderRefunded closes a paid order with money returned.
type OrderRefunded struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

func (OrderCreated) EventType() string   { return EventTypeOrderCreated }
func (OrderPaid) EventType() string      { return EventTypeOrderPaid }
func (OrderShipped) EventType() string   { return EventTypeOrderShipped }
func (OrderDelivered) EventType() string { return EventTypeOrderDelivered }
func (OrderCancelled) EventType() string { return EventTypeOrderCancelled }
func (OrderRefunded) EventType() string  { return EventTypeOrderRefunded }

func (OrderCreated) SchemaVersion() int   { return schemaOrderCreated }
func (OrderPaid) SchemaVersion() int      { return schemaOrderPaid }
func (OrderShipped) SchemaVersion() int   { return schemaOrderShipped }
func (OrderDelivered) SchemaVersion() int { return schemaOrderDelivered }
func (OrderCancelled) SchemaVersion() int { return schemaOrderCancelled }
func (OrderRefunded) SchemaVersion() int  { return schemaOrderRefunded }

func (OrderCreated) isOrderEvent()   {}
func (OrderPaid) isOrderEvent()      {}
func (OrderShipped) isOrderEvent()   {}
func (OrderDelivered) isOrderEvent() {}
func (OrderCancelled) isOrderEvent() {}
func (OrderRefunded) isOrderEvent()  {}
