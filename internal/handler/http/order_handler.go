package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/middleware"
)

// Listing limits for GET /orders.
const (
	defaultOrderListLimit = 50
	maxOrderListLimit     = 200
)

// HeaderActorID carries the identity of the caller recorded in event metadata.
const HeaderActorID = "X-Actor-ID"

// Order handler errors.
var (
	ErrInvalidIfMatch     = errors.New("invalid If-Match header, expected a non-negative version")
	ErrInvalidOrderStatus = errors.New("invalid order status")
	ErrInvalidPagination  = errors.New("offset and limit must be non-negative integers")
)

// LineItemRequest is a single line of CreateOrderRequest.
type LineItemRequest struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// CreateOrderRequest represents the request to open an order. OrderID is
// generated when omitted.
type CreateOrderRequest struct {
	OrderID    string            `json:"order_id"`
	CustomerID string            `json:"customer_id"`
	Currency   string            `json:"currency"`
	Items      []LineItemRequest `json:"items"`
}

// PayOrderRequest represents the request to pay an order.
type PayOrderRequest struct {
	Amount     int64  `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

// ShipOrderRequest represents the request to ship an order.
type ShipOrderRequest struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
}

// DeliverOrderRequest represents the request to confirm delivery.
type DeliverOrderRequest struct {
	ReceivedBy string `json:"received_by"`
}

// CancelOrderRequest represents the request to cancel an order.
type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

// RefundOrderRequest represents the request to refund an order.
type RefundOrderRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

// OrderListResponse represents a page of order projections.
type OrderListResponse struct {
	Orders  []orderapp.ReadModel `json:"orders"`
	Offset  int                  `json:"offset"`
	Limit   int                  `json:"limit"`
	HasMore bool                 `json:"has_more"`
}

// EventResponse represents a stored event in API responses.
type EventResponse struct {
	EventID       string          `json:"event_id"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int             `json:"version"`
	EventType     string          `json:"event_type"`
	SchemaVersion int             `json:"schema_version"`
	GlobalOffset  int64           `json:"global_offset"`
	RecordedAt    time.Time       `json:"recorded_at"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      event.Metadata  `json:"metadata"`
}

// EventHistoryResponse represents the full stream of an order.
type EventHistoryResponse struct {
	OrderID string          `json:"order_id"`
	Version int             `json:"version"`
	Events  []EventResponse `json:"events"`
}

// OrderCommands runs order commands.
// Declared on the consumer side per project guidelines.
type OrderCommands interface {
	Handle(ctx context.Context, cmd orderdomain.Command, opts ...orderapp.HandleOption) (orderapp.Result, error)
}

// OrderQueries serves projections and event history.
type OrderQueries interface {
	GetProjection(ctx context.Context, orderID string) (*orderapp.ReadModel, error)
	ListProjections(ctx context.Context, filters orderapp.Filters) ([]orderapp.ReadModel, error)
	GetEventHistory(ctx context.Context, orderID string) ([]event.StoredEvent, error)
}

// OrderHandler handles order-related HTTP requests.
type OrderHandler struct {
	commands OrderCommands
	queries  OrderQueries
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(commands OrderCommands, queries OrderQueries) *OrderHandler {
	return &OrderHandler{
		commands: commands,
		queries:  queries,
	}
}

// RegisterRoutes registers order routes with the router.
func (h *OrderHandler) RegisterRoutes(r *httpserver.Router) {
	orders := r.API().Group("/orders")

	orders.POST("", h.Create)
	orders.GET("", h.List)
	orders.GET("/:id", h.Get)
	orders.GET("/:id/events", h.History)
	orders.POST("/:id/pay", h.Pay)
	orders.POST("/:id/ship", h.Ship)
	orders.POST("/:id/deliver", h.Deliver)
	orders.POST("/:id/cancel", h.Cancel)
	orders.POST("/:id/refund", h.Refund)
}

// Create handles POST /api/v1/orders.
func (h *OrderHandler) Create(c echo.Context) error {
	var req CreateOrderRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		orderID = uuid.NewString()
	}

	items := make([]orderdomain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, orderdomain.LineItem{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	cmd := orderdomain.CreateOrder{
		ID:         orderID,
		CustomerID: req.CustomerID,
		Currency:   req.Currency,
		Items:      items,
	}

	return h.run(c, cmd, http.StatusCreated)
}

// Pay handles POST /api/v1/orders/:id/pay.
func (h *OrderHandler) Pay(c echo.Context) error {
	var req PayOrderRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	}
	return h.run(c, orderdomain.PayOrder{
		ID:         c.Param("id"),
		Amount:     req.Amount,
		PaymentRef: req.PaymentRef,
	}, http.StatusOK)
}

// Ship handles POST /api/v1/orders/:id/ship.
func (h *OrderHandler) Ship(c echo.Context) error {
	var req ShipOrderRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	}
	return h.run(c, orderdomain.ShipOrder{
		ID:             c.Param("id"),
		Carrier:        req.Carrier,
		TrackingNumber: req.TrackingNumber,
	}, http.StatusOK)
}

// Deliver handles POST /api/v1/orders/:id/deliver.
func (h *OrderHandler) Deliver(c echo.Context) error {
	var req DeliverOrderRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	}
	return h.run(c, orderdomain.DeliverOrder{
		ID:         c.Param("id"),
		ReceivedBy: req.ReceivedBy,
	}, http.StatusOK)
}

// Cancel handles POST /api/v1/orders/:id/cancel.
func (h *OrderHandler) Cancel(c echo.Context) error {
	var req CancelOrderRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	}
	return h.run(c, orderdomain.CancelOrder{
		ID:     c.Param("id"),
		Reason: req.Reason,
	}, http.StatusOK)
}

// Refund handles POST /api/v1/orders/:id/refund.
func (h *OrderHandler) Refund(c echo.Context) error {
	var req RefundOrderRequest
	if err := c.Bind(&req); err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
	}
	return h.run(c, orderdomain.RefundOrder{
		ID:     c.Param("id"),
		Amount: req.Amount,
		Reason: req.Reason,
	}, http.StatusOK)
}

// Get handles GET /api/v1/orders/:id.
func (h *OrderHandler) Get(c echo.Context) error {
	rm, err := h.queries.GetProjection(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	setETag(c, rm.LastAppliedVersion)
	return httpserver.RespondOK(c, rm)
}

// List handles GET /api/v1/orders.
func (h *OrderHandler) List(c echo.Context) error {
	filters, err := parseOrderFilters(c)
	if err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}

	// One extra row tells whether another page exists.
	probe := filters
	probe.Limit = filters.Limit + 1

	rms, err := h.queries.ListProjections(c.Request().Context(), probe)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	hasMore := len(rms) > filters.Limit
	if hasMore {
		rms = rms[:filters.Limit]
	}
	if rms == nil {
		rms = []orderapp.ReadModel{}
	}

	return httpserver.RespondOK(c, OrderListResponse{
		Orders:  rms,
		Offset:  filters.Offset,
		Limit:   filters.Limit,
		HasMore: hasMore,
	})
}

// History handles GET /api/v1/orders/:id/events.
func (h *OrderHandler) History(c echo.Context) error {
	orderID := c.Param("id")

	stored, err := h.queries.GetEventHistory(c.Request().Context(), orderID)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	resp := EventHistoryResponse{
		OrderID: orderID,
		Events:  make([]EventResponse, 0, len(stored)),
	}
	for _, se := range stored {
		resp.Events = append(resp.Events, ToEventResponse(se))
		resp.Version = se.Version
	}

	setETag(c, resp.Version)
	return httpserver.RespondOK(c, resp)
}

// ToEventResponse converts a stored event for API output.
func ToEventResponse(se event.StoredEvent) EventResponse {
	payload := json.RawMessage(se.Payload)
	if !json.Valid(payload) {
		encoded, _ := json.Marshal(string(se.Payload))
		payload = encoded
	}

	return EventResponse{
		EventID:       se.EventID,
		AggregateID:   se.AggregateID,
		Version:       se.Version,
		EventType:     se.EventType,
		SchemaVersion: se.SchemaVersion,
		GlobalOffset:  se.GlobalOffset,
		RecordedAt:    se.RecordedAt,
		Payload:       payload,
		Metadata:      se.Metadata,
	}
}

func (h *OrderHandler) run(c echo.Context, cmd orderdomain.Command, successCode int) error {
	opts, err := commandOptions(c)
	if err != nil {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	}

	result, err := h.commands.Handle(commandContext(c), cmd, opts...)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	setETag(c, result.Version)
	return httpserver.RespondJSON(c, successCode, result)
}

// commandContext carries the caller and request id into event metadata.
func commandContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	if actor := strings.TrimSpace(c.Request().Header.Get(HeaderActorID)); actor != "" {
		ctx = appcore.WithUserID(ctx, actor)
	}
	if requestID := middleware.RequestIDFromContext(ctx); requestID != "" {
		ctx = appcore.WithCorrelationID(ctx, requestID)
	}
	return ctx
}

func commandOptions(c echo.Context) ([]orderapp.HandleOption, error) {
	ctx := commandContext(c)
	md := event.NewMetadata(appcore.GetUserID(ctx), appcore.GetCorrelationID(ctx), "").
		WithIPAddress(c.RealIP()).
		WithUserAgent(c.Request().UserAgent())

	opts := []orderapp.HandleOption{orderapp.WithMetadata(md)}

	expected, ok, err := parseIfMatch(c.Request().Header.Get("If-Match"))
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, orderapp.ExpectVersion(expected))
	}
	return opts, nil
}

// parseIfMatch accepts 3, "3" and W/"3".
func parseIfMatch(header string) (int, bool, error) {
	header = strings.TrimSpace(header)
	if header == "" || header == "*" {
		return 0, false, nil
	}

	header = strings.TrimPrefix(header, "W/")
	header = strings.Trim(header, `"`)

	version, err := strconv.Atoi(header)
	if err != nil || version < 0 {
		return 0, false, ErrInvalidIfMatch
	}
	return version, true, nil
}

func setETag(c echo.Context, version int) {
	c.Response().Header().Set("ETag", fmt.Sprintf("%q", strconv.Itoa(version)))
}

func parseOrderFilters(c echo.Context) (orderapp.Filters, error) {
	filters := orderapp.Filters{
		CustomerID: c.QueryParam("customer_id"),
		Limit:      defaultOrderListLimit,
	}

	if s := c.QueryParam("status"); s != "" {
		status := orderdomain.Status(strings.ToLower(s))
		if !isKnownStatus(status) {
			return orderapp.Filters{}, fmt.Errorf("%w: %s", ErrInvalidOrderStatus, s)
		}
		filters.Status = &status
	}

	if s := c.QueryParam("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			return orderapp.Filters{}, ErrInvalidPagination
		}
		filters.Offset = offset
	}

	if s := c.QueryParam("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return orderapp.Filters{}, ErrInvalidPagination
		}
		if limit > 0 {
			filters.Limit = min(limit, maxOrderListLimit)
		}
	}

	return filters, nil
}

func isKnownStatus(s orderdomain.Status) bool {
	switch s {
	case orderdomain.StatusCreated, orderdomain.StatusPaid, orderdomain.StatusShipped,
		orderdomain.StatusDelivered, orderdomain.StatusCancelled, orderdomain.StatusRefunded:
		return true
	default:
		return false
	}
}
