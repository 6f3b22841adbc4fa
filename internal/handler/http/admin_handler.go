package httphandler

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/infrastructure/projector"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
	"github.com/lllypuk/orderledger/internal/middleware"
)

// RebuildTrigger accepts full projection rebuild requests.
type RebuildTrigger interface {
	TriggerRebuild(ctx context.Context, requestedBy string) (orderapp.RebuildTicket, error)
}

// RepairScheduler schedules single projection repairs.
type RepairScheduler interface {
	EnqueueRepair(ctx context.Context, aggregateID, requestedBy string) (string, error)
}

// ProjectionInspector reports consumer progress and checks single projections.
type ProjectionInspector interface {
	Status(ctx context.Context) (projector.Status, error)
	VerifyConsistency(ctx context.Context, aggregateID string) (bool, error)
}

// RebuildStatus reports whether a full rebuild holds the projection lease.
type RebuildStatus interface {
	RebuildRunning(ctx context.Context) (bool, error)
}

// JobStatsSource reports projection job queue statistics.
type JobStatsSource interface {
	GetStats(ctx context.Context) (*repair.QueueStats, error)
}

// RepairResponse acknowledges a repair request. Absorbed is true when an
// already pending repair of the same order covers it.
type RepairResponse struct {
	OrderID  string `json:"order_id"`
	JobID    string `json:"job_id,omitempty"`
	Absorbed bool   `json:"absorbed"`
}

// ProjectionStatusResponse describes the projection consumer and its job queue.
type ProjectionStatusResponse struct {
	Checkpoint int64              `json:"checkpoint"`
	Tail       int64              `json:"tail"`
	Lag        int64              `json:"lag"`
	Rebuilding bool               `json:"rebuild_running"`
	Jobs       *repair.QueueStats `json:"jobs,omitempty"`
}

// VerifyResponse reports whether a projection matches its stream.
type VerifyResponse struct {
	OrderID    string `json:"order_id"`
	Consistent bool   `json:"consistent"`
}

// AdminHandler serves operational projection endpoints.
type AdminHandler struct {
	rebuilds  RebuildTrigger
	repairs   RepairScheduler
	inspector ProjectionInspector
	lease     RebuildStatus
	jobs      JobStatsSource
}

// NewAdminHandler creates a new AdminHandler. lease and jobs may be nil.
func NewAdminHandler(
	rebuilds RebuildTrigger,
	repairs RepairScheduler,
	inspector ProjectionInspector,
	lease RebuildStatus,
	jobs JobStatsSource,
) *AdminHandler {
	return &AdminHandler{
		rebuilds:  rebuilds,
		repairs:   repairs,
		inspector: inspector,
		lease:     lease,
		jobs:      jobs,
	}
}

// RegisterRoutes registers admin routes with the router.
func (h *AdminHandler) RegisterRoutes(r *httpserver.Router) {
	admin := r.Admin()

	admin.POST("/projections/rebuild", h.TriggerRebuild)
	admin.GET("/projections/status", h.ProjectionStatus)
	admin.POST("/orders/:id/repair", h.RepairOrder)
	admin.GET("/orders/:id/verify", h.VerifyOrder)
}

// TriggerRebuild handles POST /api/v1/admin/projections/rebuild.
func (h *AdminHandler) TriggerRebuild(c echo.Context) error {
	ticket, err := h.rebuilds.TriggerRebuild(c.Request().Context(), middleware.GetOperator(c))
	if err != nil {
		return httpserver.RespondError(c, err)
	}
	return httpserver.RespondAccepted(c, ticket)
}

// ProjectionStatus handles GET /api/v1/admin/projections/status.
func (h *AdminHandler) ProjectionStatus(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := h.inspector.Status(ctx)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	resp := ProjectionStatusResponse{
		Checkpoint: status.Checkpoint,
		Tail:       status.Tail,
		Lag:        status.Lag,
	}
	if h.lease != nil {
		running, errLease := h.lease.RebuildRunning(ctx)
		if errLease != nil {
			return httpserver.RespondError(c, errLease)
		}
		resp.Rebuilding = running
	}
	if h.jobs != nil {
		stats, errStats := h.jobs.GetStats(ctx)
		if errStats != nil {
			return httpserver.RespondError(c, errStats)
		}
		resp.Jobs = stats
	}

	return httpserver.RespondOK(c, resp)
}

// RepairOrder handles POST /api/v1/admin/orders/:id/repair.
func (h *AdminHandler) RepairOrder(c echo.Context) error {
	orderID := strings.TrimSpace(c.Param("id"))
	if orderID == "" {
		return httpserver.RespondErrorWithCode(c, http.StatusBadRequest, "INVALID_REQUEST", "order id is required")
	}

	jobID, err := h.repairs.EnqueueRepair(c.Request().Context(), orderID, middleware.GetOperator(c))
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondAccepted(c, RepairResponse{
		OrderID:  orderID,
		JobID:    jobID,
		Absorbed: jobID == "",
	})
}

// VerifyOrder handles GET /api/v1/admin/orders/:id/verify.
func (h *AdminHandler) VerifyOrder(c echo.Context) error {
	orderID := c.Param("id")

	consistent, err := h.inspector.VerifyConsistency(c.Request().Context(), orderID)
	if err != nil {
		return httpserver.RespondError(c, err)
	}

	return httpserver.RespondOK(c, VerifyResponse{OrderID: orderID, Consistent: consistent})
}
