package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// SyncType selects what a manual sync refreshes
type SyncType string

const (
	SyncJob      SyncType = "job"
	SyncProfile  SyncType = "profile"
	SyncEscrow   SyncType = "escrow"
	SyncProposal SyncType = "proposal"
	SyncAll      SyncType = "all"
)

// Request is a manual sync request. ID is a shorthand for the identifier
// the type needs (job id, freelancer or escrow address).
type Request struct {
	Type              SyncType `json:"type"`
	ID                string   `json:"id,omitempty"`
	FromBlock         *uint64  `json:"fromBlock,omitempty"`
	JobID             string   `json:"jobId,omitempty"`
	EscrowAddress     string   `json:"escrowAddress,omitempty"`
	FreelancerAddress string   `json:"freelancerAddress,omitempty"`
}

// SyncResult summarizes a manual sync
type SyncResult struct {
	Type       SyncType `json:"type"`
	Block      uint64   `json:"block,omitempty"`
	Snapshots  int      `json:"snapshots"`
	Applied    int      `json:"applied"`
	Reconciled []Result `json:"reconciled,omitempty"`
}

// pendingRead is a snapshot read waiting for its block
type pendingRead func(ctx context.Context, block uint64) ([]domain.Event, error)

// SyncEntity refreshes the entities named by req from field reads at the
// current head. Type all runs every tracked contract, optionally rescanning
// from req.FromBlock.
func (r *Reconciler) SyncEntity(ctx context.Context, req Request) (SyncResult, error) {
	out := SyncResult{Type: req.Type}

	if req.Type == SyncAll {
		results, err := r.reconcileAll(ctx, req.FromBlock)
		out.Reconciled = results
		return out, err
	}

	pending, err := r.planReads(ctx, req)
	if err != nil {
		return out, err
	}

	block, err := r.reader.CurrentBlock(ctx)
	if err != nil {
		return out, fmt.Errorf("failed to get current block: %w", err)
	}
	out.Block = block

	reads := make([]snapshotRead, len(pending))
	for i, read := range pending {
		reads[i] = func(ctx context.Context) ([]domain.Event, error) { return read(ctx, block) }
	}
	events, err := r.readSnapshots(ctx, reads)
	if err != nil {
		return out, err
	}

	if err := requireFound(req.Type, events); err != nil {
		return out, err
	}

	results, err := r.ingestor.ApplyAll(ctx, events)
	out.Snapshots = len(events)
	out.Applied = countApplied(results)
	if err != nil {
		return out, err
	}

	r.logger.Info("Manual sync completed",
		slog.String("type", string(req.Type)),
		slog.Uint64("block", block),
		slog.Int("snapshots", out.Snapshots),
		slog.Int("applied", out.Applied),
	)
	return out, nil
}

// requireFound turns an empty refresh of a single named entity into not found
func requireFound(t SyncType, events []domain.Event) error {
	want := map[SyncType]domain.EventKind{
		SyncJob:    domain.EventJobSnapshot,
		SyncEscrow: domain.EventEscrowSnapshot,
	}
	kind, ok := want[t]
	if !ok {
		return nil
	}
	for _, ev := range events {
		if ev.Kind == kind {
			return nil
		}
	}
	if t == SyncJob {
		return domain.ErrJobNotFound
	}
	return domain.ErrEscrowNotFound
}

func (r *Reconciler) planReads(ctx context.Context, req Request) ([]pendingRead, error) {
	switch req.Type {
	case SyncJob:
		jobID, err := jobIDOf(firstNonEmpty(req.JobID, req.ID))
		if err != nil {
			return nil, err
		}
		return []pendingRead{r.jobRead(jobID, true), r.offerRead(jobID), r.applicantsRead(jobID)}, nil

	case SyncEscrow:
		addr, err := addressOf(firstNonEmpty(req.EscrowAddress, req.ID))
		if err != nil {
			return nil, err
		}
		return []pendingRead{r.escrowRead(addr)}, nil

	case SyncProposal:
		jobID, err := jobIDOf(firstNonEmpty(req.JobID, req.ID))
		if err != nil {
			return nil, err
		}
		if req.FreelancerAddress == "" {
			return []pendingRead{r.applicantsRead(jobID)}, nil
		}
		freelancer, err := addressOf(req.FreelancerAddress)
		if err != nil {
			return nil, err
		}
		return []pendingRead{r.proposalRead(jobID, freelancer)}, nil

	case SyncProfile:
		freelancer, err := addressOf(firstNonEmpty(req.FreelancerAddress, req.ID))
		if err != nil {
			return nil, err
		}
		cached, err := r.store.ListProposalsByFreelancer(ctx, freelancer)
		if err != nil {
			return nil, err
		}
		reads := make([]pendingRead, 0, 2*len(cached))
		for _, p := range cached {
			reads = append(reads, r.proposalRead(p.Value.JobID, freelancer), r.jobRead(p.Value.JobID, false))
		}
		return reads, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidRequest)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRequest, req.Type)
	}
}

// jobRead reads a job and, when withEscrow is set, the escrow it points at
func (r *Reconciler) jobRead(jobID string, withEscrow bool) pendingRead {
	return func(ctx context.Context, block uint64) ([]domain.Event, error) {
		job, err := r.reader.ReadJobSnapshot(ctx, jobID, block)
		if err != nil {
			return nil, err
		}
		events := []domain.Event{job}
		if !withEscrow || job.JobState.EscrowAddress == "" {
			return events, nil
		}
		escrow, err := r.reader.ReadEscrowSnapshot(ctx, job.JobState.EscrowAddress, block)
		if err != nil {
			return nil, err
		}
		return append(events, escrow), nil
	}
}

func (r *Reconciler) offerRead(jobID string) pendingRead {
	return func(ctx context.Context, block uint64) ([]domain.Event, error) {
		return one(r.reader.ReadOfferSnapshot(ctx, jobID, block))
	}
}

func (r *Reconciler) escrowRead(addr string) pendingRead {
	return func(ctx context.Context, block uint64) ([]domain.Event, error) {
		return one(r.reader.ReadEscrowSnapshot(ctx, addr, block))
	}
}

func (r *Reconciler) proposalRead(jobID, freelancer string) pendingRead {
	return func(ctx context.Context, block uint64) ([]domain.Event, error) {
		return one(r.reader.ReadProposalSnapshot(ctx, jobID, freelancer, block))
	}
}

// applicantsRead walks the applicant list and reads every proposal
func (r *Reconciler) applicantsRead(jobID string) pendingRead {
	return func(ctx context.Context, block uint64) ([]domain.Event, error) {
		applicants, err := r.reader.AllApplicants(ctx, jobID, block)
		if err != nil {
			return nil, err
		}
		events := make([]domain.Event, 0, len(applicants))
		for _, a := range applicants {
			ev, err := r.reader.ReadProposalSnapshot(ctx, jobID, a.Freelancer, block)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func jobIDOf(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: missing job id", ErrInvalidRequest)
	}
	id, ok := new(big.Int).SetString(s, 10)
	if !ok || id.Sign() < 0 {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, chain.ErrInvalidJobID)
	}
	return id.String(), nil
}

func addressOf(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: missing address", ErrInvalidRequest)
	}
	addr, err := chain.CanonicalAddress(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return addr, nil
}
