package handler

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/singleflight"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/metadata"
	"github.com/cuongbtq/escrow-sync/internal/worker/reconcile"
)

// ChainReader serves live reads when the cache cannot. Block 0 reads at
// the current head.
type ChainReader interface {
	ReadJobSnapshot(ctx context.Context, jobID string, block uint64) (domain.Event, error)
	ReadEscrowSnapshot(ctx context.Context, address string, block uint64) (domain.Event, error)
	ReadOfferSnapshot(ctx context.Context, jobID string, block uint64) (domain.Event, error)
}

// Syncer runs reconciliations and manual syncs
type Syncer interface {
	Reconcile(ctx context.Context, contract string) (reconcile.Result, error)
	ReconcileAll(ctx context.Context) ([]reconcile.Result, error)
	SyncEntity(ctx context.Context, req reconcile.Request) (reconcile.SyncResult, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Cache    cache.Reader
	Chain    ChainReader
	Metadata metadata.Fetcher
	Syncer   Syncer
	Policy   cache.Policy

	// Health is probed by /health; nil skips the probe
	Health HealthChecker

	// CronSecret guards the sync triggers
	CronSecret string
}

// JobHandler serves cached marketplace reads with live fallback
type JobHandler struct {
	logger   *slog.Logger
	cache    cache.Reader
	chain    ChainReader
	metadata metadata.Fetcher
	policy   cache.Policy
	now      func() time.Time

	// live coalesces concurrent chain reads of the same entity
	live singleflight.Group
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	now := deps.Policy.Now
	if now == nil {
		now = time.Now
	}
	return &JobHandler{
		logger:   deps.Logger,
		cache:    deps.Cache,
		chain:    deps.Chain,
		metadata: deps.Metadata,
		policy:   deps.Policy,
		now:      now,
	}
}

// SyncHandler serves sync status and the reconciliation triggers
type SyncHandler struct {
	logger *slog.Logger
	cache  cache.Reader
	syncer Syncer
}

// NewSyncHandler creates a new SyncHandler instance
func NewSyncHandler(deps *Dependencies) *SyncHandler {
	return &SyncHandler{
		logger: deps.Logger,
		cache:  deps.Cache,
		syncer: deps.Syncer,
	}
}

// liveReadTimeout bounds a coalesced chain read, which outlives the request
// that started it
const liveReadTimeout = 30 * time.Second

// coalesce runs fn once per key among concurrent callers. The shared call
// runs detached from any single caller; each caller stops waiting when its
// own ctx is done.
func coalesce[T any](ctx context.Context, g *singleflight.Group, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	ch := g.DoChan(key, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), liveReadTimeout)
		defer cancel()
		return fn(shared)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// parseJobID accepts decimal uint256 job ids and returns their canonical form
func parseJobID(s string) (string, bool) {
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return "", false
	}
	return id.String(), true
}

func parseAddress(s string) (string, bool) {
	addr, err := chain.CanonicalAddress(s)
	return addr, err == nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrEscrowNotFound) ||
		errors.Is(err, domain.ErrOfferNotFound) ||
		errors.Is(err, domain.ErrProposalNotFound)
}

// readError maps a failed read-through to an HTTP response
func (h *JobHandler) readError(c *gin.Context, entity string, err error) {
	switch {
	case isNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": entity + " not found"})
	default:
		h.logger.Error("Read failed",
			slog.String("entity", entity),
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": entity + " temporarily unavailable"})
	}
}
