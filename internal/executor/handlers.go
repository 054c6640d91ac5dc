package executor

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quantrail/rebalance-api/internal/types"
	"github.com/quantrail/rebalance-api/pkg/response"
)

// GinHandlers contains HTTP handlers for rebalance run endpoints.
type GinHandlers struct {
	coordinator *Coordinator
	runTimeout  time.Duration
}

// NewGinHandlers creates the handlers. runTimeout caps one full run.
func NewGinHandlers(coordinator *Coordinator, runTimeout time.Duration) *GinHandlers {
	return &GinHandlers{
		coordinator: coordinator,
		runTimeout:  runTimeout,
	}
}

// SubmitRebalanceHandler handles POST requests that start a rebalance run.
// Requires a valid JWT token and idempotency key in headers. The run executes
// asynchronously; the response carries the run ID for polling.
func (h *GinHandlers) SubmitRebalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var plan types.RebalancePlan
		if err := c.ShouldBindJSON(&plan); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		for _, trade := range plan.Trades {
			if trade.Action != types.SideBuy && trade.Action != types.SideSell {
				response.BadRequest(c, "action must be BUY or SELL")
				return
			}
		}

		// A retried submission returns the run the key already created.
		record, err := h.coordinator.db.GetIdempotencyRecord(idempotencyKey)
		if err == nil && record != nil && record.ResourceID != "" && record.ExpiresAt.After(time.Now()) {
			existing, err := h.coordinator.db.GetRun(record.ResourceID)
			if err != nil || existing == nil {
				response.InternalError(c, "run not found for idempotency key")
				return
			}
			response.Success(c, existing)
			return
		}

		run := &types.RunRecord{
			RunID:         "RUN_" + uuid.New().String(),
			CorrelationID: plan.CorrelationID,
			Status:        types.RunRunning,
			TotalTrades:   len(plan.Trades),
		}
		if err := h.coordinator.db.CreateRunWithIdempotency(run, idempotencyKey); err != nil {
			response.InternalError(c, err.Error())
			return
		}

		// The run outlives the request; it gets its own deadline.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.runTimeout)
			defer cancel()
			if _, err := h.coordinator.Execute(ctx, run.RunID, plan); err != nil {
				log.Error().Err(err).Str("run_id", run.RunID).Msg("rebalance run failed")
			}
		}()

		response.Accepted(c, run)
	}
}

// GetRunHandler handles GET requests for run status and summary.
// URL parameter: run_id
func (h *GinHandlers) GetRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")

		run, err := h.coordinator.db.GetRun(runID)
		if err != nil || run == nil {
			response.NotFound(c, "Run not found")
			return
		}
		response.Success(c, run)
	}
}

// GetRunOrdersHandler handles GET requests for the order records of one run.
// URL parameter: run_id
func (h *GinHandlers) GetRunOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")

		orders, err := h.coordinator.db.GetOrdersForRun(runID)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for a single order record.
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		order, err := h.coordinator.db.GetOrderRecord(orderID)
		if err != nil || order == nil {
			response.NotFound(c, "Order not found")
			return
		}
		response.Success(c, order)
	}
}
