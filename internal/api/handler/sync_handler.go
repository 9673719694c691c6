package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/escrow-sync/internal/api/dto"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
	"github.com/cuongbtq/escrow-sync/internal/worker/reconcile"
)

// GetStatus handles GET /api/v1/sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	statuses, err := h.cache.ListSyncStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to load sync status", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load sync status",
		})
		return
	}
	if statuses == nil {
		statuses = []domain.SyncStatus{}
	}
	c.JSON(http.StatusOK, dto.SyncStatusResponse{Contracts: statuses})
}

// Reconcile handles GET|POST /api/v1/sync/reconcile
// Runs one contract (?contract=) or every tracked contract to the head
func (h *SyncHandler) Reconcile(c *gin.Context) {
	ctx := c.Request.Context()

	var (
		results []reconcile.Result
		err     error
	)
	if contract := c.Query("contract"); contract != "" {
		var res reconcile.Result
		res, err = h.syncer.Reconcile(ctx, contract)
		if err == nil {
			results = []reconcile.Result{res}
		}
	} else {
		results, err = h.syncer.ReconcileAll(ctx)
	}

	if err != nil {
		h.logger.Warn("Reconciliation trigger failed", slog.String("error", err.Error()))
	}
	c.JSON(syncStatusCode(err), dto.NewReconcileResponse(results, err))
}

// ManualSync handles POST /api/v1/sync/manual
func (h *SyncHandler) ManualSync(c *gin.Context) {
	var req reconcile.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	res, err := h.syncer.SyncEntity(c.Request.Context(), req)
	if err != nil {
		h.logger.Warn("Manual sync failed",
			slog.String("type", string(req.Type)),
			slog.String("error", err.Error()),
		)
		c.JSON(syncStatusCode(err), dto.ManualSyncResponse{Result: res, Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.ManualSyncResponse{Success: true, Result: res})
}

func syncStatusCode(err error) int {
	var partial *reconcile.PartialFailureError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, reconcile.ErrInvalidRequest), errors.Is(err, reconcile.ErrUnknownContract):
		return http.StatusBadRequest
	case isNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrInProgress):
		return http.StatusConflict
	case errors.As(err, &partial), errors.Is(err, rpc.ErrRPCExhausted):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
