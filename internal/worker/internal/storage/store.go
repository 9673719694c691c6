// Package storage is the read-write side of the cache store. It lives under
// internal/worker so only the sync pipeline can import it; everything else
// reads through cache.Reader.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
)

var (
	// ErrDuplicate is returned when the idempotency key was already applied
	ErrDuplicate = errors.New("idempotency key already applied")

	// ErrStale is returned when the stored record is at or past the write's position
	ErrStale = errors.New("stale write")

	// ErrTerminal is returned when a write targets a terminal escrow
	ErrTerminal = errors.New("escrow is terminal")
)

// Entity kinds recorded next to applied idempotency keys
const (
	EntityJob      = "job"
	EntityEscrow   = "escrow"
	EntityProposal = "proposal"
	EntityOffer    = "offer"
	EntityDispute  = "dispute"
)

// Store is the cache store as seen by the ingestor and reconciler. Every Put
// records key and upserts the record in one transaction, and only succeeds
// when pos is strictly after the stored position.
type Store interface {
	cache.Reader

	HasApplied(ctx context.Context, key string) (bool, error)
	PutJob(ctx context.Context, key string, job domain.Job, pos domain.Position) error
	PutEscrow(ctx context.Context, key string, escrow domain.Escrow, pos domain.Position) error
	PutProposal(ctx context.Context, key string, p domain.Proposal, pos domain.Position) error
	PutOffer(ctx context.Context, key string, o domain.DirectOffer, pos domain.Position) error
	// RecordDispute appends a dispute row; it is resolved immediately when
	// the escrow is already terminal
	RecordDispute(ctx context.Context, key string, d domain.Dispute, pos domain.Position) error

	ListEscrowAddresses(ctx context.Context) ([]string, error)
	ListProposalsByFreelancer(ctx context.Context, freelancer string) ([]cache.Record[domain.Proposal], error)

	// LoadSyncStatus returns a zero checkpoint for contracts never synced
	LoadSyncStatus(ctx context.Context, contract string) (domain.SyncStatus, error)
	// MarkSyncSucceeded advances the checkpoint (never backwards) and resets the error counter
	MarkSyncSucceeded(ctx context.Context, contract string, block uint64, at time.Time) error
	// MarkSyncFailed increments the error counter and records cause, leaving the checkpoint untouched
	MarkSyncFailed(ctx context.Context, contract string, cause error) error

	// AcquireLease takes the per-contract reconciliation lease if it is free,
	// expired, or already held by owner
	AcquireLease(ctx context.Context, contract, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, contract, owner string) error
}
