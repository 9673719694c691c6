package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/escrow-sync/internal/api/dto"
	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// GetEscrow handles GET /api/v1/escrows/:address
// Serves the escrow with its derived phase, latest delivery and disputes
func (h *JobHandler) GetEscrow(c *gin.Context) {
	address, ok := parseAddress(c.Param("address"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "address must be a hex address",
		})
		return
	}

	ctx := c.Request.Context()
	res, err := cache.Resolve(ctx, h.policy,
		func(ctx context.Context) (cache.Record[domain.Escrow], error) {
			return h.cache.GetEscrow(ctx, address)
		},
		func(ctx context.Context) (domain.Escrow, error) {
			return coalesce(ctx, &h.live, "escrow:"+address, func(ctx context.Context) (domain.Escrow, error) {
				ev, err := h.chain.ReadEscrowSnapshot(ctx, address, 0)
				if err != nil {
					return domain.Escrow{}, err
				}
				return ev.EscrowState.Clone(), nil
			})
		},
	)
	if err != nil {
		h.readError(c, "escrow", err)
		return
	}
	if res.LiveErr != nil {
		h.logger.Warn("Serving stale escrow",
			slog.String("address", address),
			slog.String("error", res.LiveErr.Error()),
		)
	}

	// Disputes are only ever known from the cache
	disputes, err := h.cache.ListDisputes(ctx, address)
	if err != nil {
		h.logger.Warn("Failed to list disputes",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(http.StatusOK, dto.NewEscrowDTO(res.Value, disputes, dto.NewFreshness(res.Source, res.SyncedAt)))
}

// GetOffer handles GET /api/v1/offers/:job_id
func (h *JobHandler) GetOffer(c *gin.Context) {
	jobID, ok := parseJobID(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a decimal integer",
		})
		return
	}

	ctx := c.Request.Context()
	res, err := cache.Resolve(ctx, h.policy,
		func(ctx context.Context) (cache.Record[domain.DirectOffer], error) {
			return h.cache.GetOffer(ctx, jobID)
		},
		func(ctx context.Context) (domain.DirectOffer, error) {
			return coalesce(ctx, &h.live, "offer:"+jobID, func(ctx context.Context) (domain.DirectOffer, error) {
				ev, err := h.chain.ReadOfferSnapshot(ctx, jobID, 0)
				if err != nil {
					return domain.DirectOffer{}, err
				}
				return *ev.OfferState, nil
			})
		},
	)
	if err != nil {
		h.readError(c, "direct offer", err)
		return
	}

	c.JSON(http.StatusOK, dto.NewOfferDTO(res.Value, dto.NewFreshness(res.Source, res.SyncedAt)))
}
