// Package cache defines the cached snapshot record, the read-only store
// surface handed to everything outside the sync pipeline, and the read
// policy callers follow when a record is missing or stale.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/domain"
)

var (
	// ErrMiss is returned when no record exists for the requested key
	ErrMiss = errors.New("cache miss")

	// ErrUnavailable is returned when neither the cache nor the chain can serve a read
	ErrUnavailable = errors.New("data unavailable")
)

// DefaultTTL is the freshness window applied when none is configured
const DefaultTTL = 5 * time.Minute

// Record wraps a cached entity with the time it was written and the chain
// position of the update that produced it.
type Record[T any] struct {
	Value    T
	SyncedAt time.Time
	Position domain.Position
}

// IsFresh reports whether now - syncedAt < ttl
func IsFresh[T any](r Record[T], ttl time.Duration, now time.Time) bool {
	return now.Sub(r.SyncedAt) < ttl
}

// JobFilter narrows ListJobs. Results are ordered newest first and up to
// PageSize+1 rows are returned so callers can tell whether another page exists.
type JobFilter struct {
	Status   domain.JobStatus
	Client   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the position of the last job of the previous page
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// Reader is the read-only view of the cache store. It has no write methods,
// so code holding only a Reader cannot mutate cached state.
type Reader interface {
	GetJob(ctx context.Context, jobID string) (Record[domain.Job], error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Record[domain.Job], error)
	GetEscrow(ctx context.Context, address string) (Record[domain.Escrow], error)
	GetProposal(ctx context.Context, jobID, freelancer string) (Record[domain.Proposal], error)
	ListProposals(ctx context.Context, jobID string) ([]Record[domain.Proposal], error)
	GetOffer(ctx context.Context, jobID string) (Record[domain.DirectOffer], error)
	ListDisputes(ctx context.Context, escrowAddress string) ([]domain.Dispute, error)
	ListSyncStatus(ctx context.Context) ([]domain.SyncStatus, error)
}
