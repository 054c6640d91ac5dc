package reconcile

import (
	"github.com/gin-gonic/gin"

	"github.com/quantrail/rebalance-api/pkg/response"
)

// GinHandlers contains HTTP handlers for the internal reconciliation
// endpoints.
type GinHandlers struct {
	reconciler *Reconciler
}

func NewGinHandlers(reconciler *Reconciler) *GinHandlers {
	return &GinHandlers{reconciler: reconciler}
}

// GetDriftHandler handles GET requests for recent drift records.
func (h *GinHandlers) GetDriftHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.reconciler.db.GetRecentDriftRecords(100)
		response.Handle(c, records, err)
	}
}

// ForceReconcileHandler handles POST requests that force a reconcile pass
// for one symbol outside a run.
// URL parameter: symbol
func (h *GinHandlers) ForceReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		symbol := c.Param("symbol")
		if symbol == "" {
			response.BadRequest(c, "symbol is required")
			return
		}

		unlock := h.reconciler.LockSymbol(symbol)
		defer unlock()

		record, err := h.reconciler.Reconcile(c.Request.Context(), "manual", symbol)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if record == nil {
			response.Success(c, gin.H{"symbol": symbol, "drift": false})
			return
		}
		response.Success(c, record)
	}
}
