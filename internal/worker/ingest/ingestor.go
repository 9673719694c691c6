// Package ingest applies normalized chain events to the cache store. Every
// write is guarded by idempotency key, entity position and the escrow
// terminal flag, so redelivered or reordered events are harmless.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/lifecycle"
	"github.com/cuongbtq/escrow-sync/internal/worker/internal/storage"
)

// SkipReason explains why a delta left the cache untouched
type SkipReason string

const (
	SkipDuplicate    SkipReason = "duplicate"
	SkipStale        SkipReason = "stale"
	SkipTerminal     SkipReason = "terminal"
	SkipInconsistent SkipReason = "inconsistent"
)

// DeltaResult is the outcome of one delta
type DeltaResult struct {
	Entity  string
	ID      string
	Applied bool
	Reason  SkipReason

	// Cause carries the lifecycle error behind an inconsistent skip
	Cause error
}

// Result is the outcome of one event. The event counts as applied when any
// of its deltas was written.
type Result struct {
	Key    string
	Kind   domain.EventKind
	Deltas []DeltaResult
}

// Applied reports whether the event changed the cache
func (r Result) Applied() bool {
	for _, d := range r.Deltas {
		if d.Applied {
			return true
		}
	}
	return false
}

// Reason returns the skip reason of the first delta when nothing was applied
func (r Result) Reason() SkipReason {
	if r.Applied() || len(r.Deltas) == 0 {
		return ""
	}
	return r.Deltas[0].Reason
}

// Ingestor applies events to the store. It never touches sync status.
type Ingestor struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a new ingestor
func New(store storage.Store, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		logger: logger,
	}
}

// Apply writes every delta of ev. Malformed events return an error matching
// domain.ErrInvalidEvent; store failures are returned as retryable.
func (i *Ingestor) Apply(ctx context.Context, ev domain.Event) (Result, error) {
	deltas, err := Normalize(ev)
	if err != nil {
		return Result{}, err
	}

	res := Result{Key: ev.IdempotencyKey(), Kind: ev.Kind}
	for _, d := range deltas {
		dr, err := i.applyDelta(ctx, d)
		if err != nil {
			return res, domain.NewRetryableError(fmt.Errorf("failed to apply %s %s: %w", d.Entity, d.ID, err))
		}
		res.Deltas = append(res.Deltas, dr)
		i.logResult(ev, d, dr)
	}
	return res, nil
}

// ApplyAll applies events in order and stops at the first error
func (i *Ingestor) ApplyAll(ctx context.Context, events []domain.Event) ([]Result, error) {
	results := make([]Result, 0, len(events))
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := i.Apply(ctx, ev)
		if err != nil {
			return results, fmt.Errorf("event %s: %w", ev.IdempotencyKey(), err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (i *Ingestor) applyDelta(ctx context.Context, d Delta) (DeltaResult, error) {
	out := DeltaResult{Entity: d.Entity, ID: d.ID}

	applied, err := i.store.HasApplied(ctx, d.Key)
	if err != nil {
		return out, err
	}
	if applied {
		out.Reason = SkipDuplicate
		return out, nil
	}

	var reason SkipReason
	switch {
	case d.Job != nil:
		reason, err = applyRecord(ctx, d, recordOps[domain.Job]{
			get: func(ctx context.Context) (cache.Record[domain.Job], error) {
				return i.store.GetJob(ctx, d.ID)
			},
			merge: func(prev domain.Job) (domain.Job, error) { return d.Job(prev), nil },
			validate: func(prev, next domain.Job) error {
				if prev.Status == "" {
					prev.Status = domain.JobStatusUnknown
				}
				return lifecycle.ValidateJobTransition(prev, next)
			},
			put: func(ctx context.Context, next domain.Job) error {
				return i.store.PutJob(ctx, d.Key, next, d.Position)
			},
		}, &out)

	case d.Escrow != nil:
		reason, err = applyRecord(ctx, d, recordOps[domain.Escrow]{
			get: func(ctx context.Context) (cache.Record[domain.Escrow], error) {
				return i.store.GetEscrow(ctx, d.ID)
			},
			terminal: func(e domain.Escrow) bool { return e.Terminal },
			merge:    d.Escrow,
			validate: lifecycle.ValidateEscrowTransition,
			put: func(ctx context.Context, next domain.Escrow) error {
				return i.store.PutEscrow(ctx, d.Key, next, d.Position)
			},
		}, &out)

	case d.Proposal != nil:
		reason, err = applyRecord(ctx, d, recordOps[domain.Proposal]{
			get: func(ctx context.Context) (cache.Record[domain.Proposal], error) {
				jobID, freelancer := splitProposalID(d.ID)
				return i.store.GetProposal(ctx, jobID, freelancer)
			},
			merge: func(prev domain.Proposal) (domain.Proposal, error) { return d.Proposal(prev), nil },
			put: func(ctx context.Context, next domain.Proposal) error {
				return i.store.PutProposal(ctx, d.Key, next, d.Position)
			},
		}, &out)

	case d.Offer != nil:
		reason, err = applyRecord(ctx, d, recordOps[domain.DirectOffer]{
			get: func(ctx context.Context) (cache.Record[domain.DirectOffer], error) {
				return i.store.GetOffer(ctx, d.ID)
			},
			merge:    func(prev domain.DirectOffer) (domain.DirectOffer, error) { return d.Offer(prev), nil },
			validate: lifecycle.ValidateOfferTransition,
			put: func(ctx context.Context, next domain.DirectOffer) error {
				return i.store.PutOffer(ctx, d.Key, next, d.Position)
			},
		}, &out)

	case d.Dispute != nil:
		reason, err = i.recordDispute(ctx, d)

	default:
		return out, fmt.Errorf("%w: empty %s delta", domain.ErrInvalidEvent, d.Entity)
	}
	if err != nil {
		return out, err
	}

	out.Reason = reason
	out.Applied = reason == ""
	return out, nil
}

// recordDispute keeps a dispute raised against a settled escrow as resolved
// history and reports it as a terminal skip, since nothing live changed
func (i *Ingestor) recordDispute(ctx context.Context, d Delta) (SkipReason, error) {
	escrow, err := i.store.GetEscrow(ctx, d.ID)
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return "", err
	}
	settled := err == nil && escrow.Value.Terminal

	reason, err := storeReason(i.store.RecordDispute(ctx, d.Key, *d.Dispute, d.Position))
	if err != nil || reason != "" {
		return reason, err
	}
	if settled {
		return SkipTerminal, nil
	}
	return "", nil
}

type recordOps[T any] struct {
	get      func(ctx context.Context) (cache.Record[T], error)
	terminal func(T) bool
	merge    func(prev T) (T, error)
	validate func(prev, next T) error
	put      func(ctx context.Context, next T) error
}

// applyRecord runs the guards of one entity write: terminal, then stale,
// then lifecycle validation, then the store's own guarded put
func applyRecord[T any](ctx context.Context, d Delta, ops recordOps[T], out *DeltaResult) (SkipReason, error) {
	rec, err := ops.get(ctx)
	exists := err == nil
	if err != nil && !errors.Is(err, cache.ErrMiss) {
		return "", err
	}

	if exists && ops.terminal != nil && ops.terminal(rec.Value) {
		return SkipTerminal, nil
	}
	if exists && !rec.Position.Before(d.Position) {
		return SkipStale, nil
	}

	next, err := ops.merge(rec.Value)
	if err == nil && ops.validate != nil {
		err = ops.validate(rec.Value, next)
	}
	if err != nil {
		if errors.Is(err, lifecycle.ErrInconsistentTransition) {
			out.Cause = err
			return SkipInconsistent, nil
		}
		return "", err
	}

	return storeReason(ops.put(ctx, next))
}

// storeReason maps the store's guard errors to skip reasons
func storeReason(err error) (SkipReason, error) {
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, storage.ErrDuplicate):
		return SkipDuplicate, nil
	case errors.Is(err, storage.ErrTerminal):
		return SkipTerminal, nil
	case errors.Is(err, storage.ErrStale):
		return SkipStale, nil
	default:
		return "", err
	}
}

func (i *Ingestor) logResult(ev domain.Event, d Delta, dr DeltaResult) {
	attrs := []any{
		slog.String("event", string(ev.Kind)),
		slog.String("entity", d.Entity),
		slog.String("id", d.ID),
		slog.String("position", d.Position.String()),
	}

	switch dr.Reason {
	case "":
		i.logger.Debug("Delta applied", attrs...)
	case SkipDuplicate, SkipStale:
		i.logger.Debug("Delta skipped", append(attrs, slog.String("reason", string(dr.Reason)))...)
	case SkipTerminal:
		i.logger.Info("Delta skipped", append(attrs, slog.String("reason", string(dr.Reason)))...)
	case SkipInconsistent:
		i.logger.Warn("Inconsistent transition, keeping cached state",
			append(attrs, slog.Any("error", dr.Cause))...)
	}
}

func splitProposalID(id string) (string, string) {
	jobID, freelancer, _ := strings.Cut(id, "/")
	return jobID, freelancer
}
