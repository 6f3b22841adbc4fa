package order

// Command is the closed set of requests an order accepts.
type Command interface {
	OrderID() string
	CommandName() string
	isCommand()
}

// CreateOrder opens a new order.
type CreateOrder struct {
	ID         string
	CustomerID string
	Currency   string
	Items      []LineItem
}

// PayOrder settles the full order total.
type PayOrder struct {
	ID         string
	Amount     int64
	PaymentRef string
}

// ShipOrder hands a paid order to a carrier.
type ShipOrder struct {
	ID             string
	Carrier        string
	TrackingNumber string
}

// DeliverOrder confirms a shipped order arrived.
type DeliverOrder struct {
	ID         string
	ReceivedBy string
}

// CancelOrder aborts an order that has not shipped.
type CancelOrder struct {
	ID     string
	Reason string
}

// RefundOrder returns money for a paid order.
type RefundOrder struct {
	ID     string
	Amount int64
	Reason string
}

func (c CreateOrder) OrderID() string  { return c.ID }
func (c PayOrder) OrderID() string     { return c.ID }
func (c ShipOrder) OrderID() string    { return c.ID }
func (c DeliverOrder) OrderID() string { return c.ID }
func (c CancelOrder) OrderID() string  { return c.ID }
func (c RefundOrder) OrderID() string  { return c.ID }

func (CreateOrder) CommandName() string  { return "CreateOrder" }
func (PayOrder) CommandName() string     { return "PayOrder" }
func (ShipOrder) CommandName() string    { return "ShipOrder" }
func (DeliverOrder) CommandName() string { return "DeliverOrder" }
func (CancelOrder) CommandName() string  { return "CancelOrder" }
func (RefundOrder) CommandName() string  { return "RefundOrder" }

func (CreateOrder) isCommand()  {}
func (PayOrder) isCommand()     {}
func (ShipOrder) isCommand()    {}
func (DeliverOrder) isCommand() {}
func (CancelOrder) isCommand()  {}
func (RefundOrder) isCommand()  {}
