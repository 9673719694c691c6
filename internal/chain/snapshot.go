package chain

import (
	"context"
	"fmt"

	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/lifecycle"
)

// Field-read sources recorded on snapshots
const (
	SourceGetJob              = "getJob"
	SourceEscrowFields        = "escrowFields"
	SourceGetApplicantDetails = "getApplicantDetails"
	SourceGetDirectOffer      = "getDirectOffer"
)

// JobSnapshot wraps an interpreted job read at block
func JobSnapshot(job domain.Job, block uint64) domain.Event {
	return domain.Event{
		Kind:        domain.EventJobSnapshot,
		Contract:    ContractJobBoard,
		BlockNumber: block,
		Source:      SourceGetJob,
		JobID:       job.JobID,
		JobState:    &job,
	}
}

// EscrowSnapshot wraps an escrow read at block
func EscrowSnapshot(e domain.Escrow, block uint64) domain.Event {
	return domain.Event{
		Kind:        domain.EventEscrowSnapshot,
		Contract:    ContractEscrow,
		BlockNumber: block,
		Source:      SourceEscrowFields,
		JobID:       e.JobID,
		Escrow:      e.Address,
		EscrowState: &e,
	}
}

// ProposalSnapshot wraps an applicant's details read at block
func ProposalSnapshot(p domain.Proposal, block uint64) domain.Event {
	return domain.Event{
		Kind:          domain.EventProposalSnapshot,
		Contract:      ContractJobBoard,
		BlockNumber:   block,
		Source:        SourceGetApplicantDetails,
		JobID:         p.JobID,
		Actor:         p.Freelancer,
		ProposalState: &p,
	}
}

// OfferSnapshot wraps a direct offer read at block
func OfferSnapshot(o domain.DirectOffer, block uint64) domain.Event {
	return domain.Event{
		Kind:        domain.EventOfferSnapshot,
		Contract:    ContractJobBoard,
		BlockNumber: block,
		Source:      SourceGetDirectOffer,
		JobID:       o.JobID,
		OfferState:  &o,
	}
}

// ReadJobSnapshot reads and interprets a job at block. Snapshots need a
// concrete block to be ordered, so block 0 resolves the head first.
func (r *Reader) ReadJobSnapshot(ctx context.Context, jobID string, block uint64) (domain.Event, error) {
	block, err := r.pin(ctx, block)
	if err != nil {
		return domain.Event{}, err
	}
	raw, err := r.GetJob(ctx, jobID, block)
	if err != nil {
		return domain.Event{}, err
	}
	job, err := lifecycle.InterpretJob(raw)
	if err != nil {
		return domain.Event{}, fmt.Errorf("job %s at block %d: %w", jobID, block, err)
	}
	return JobSnapshot(job, block), nil
}

// ReadEscrowSnapshot reads every escrow field at block
func (r *Reader) ReadEscrowSnapshot(ctx context.Context, address string, block uint64) (domain.Event, error) {
	e, at, err := r.GetEscrow(ctx, address, block)
	if err != nil {
		return domain.Event{}, err
	}
	if err := lifecycle.ValidateEscrow(e); err != nil {
		return domain.Event{}, fmt.Errorf("escrow %s at block %d: %w", address, at, err)
	}
	return EscrowSnapshot(e, at), nil
}

// ReadProposalSnapshot reads one applicant's details at block
func (r *Reader) ReadProposalSnapshot(ctx context.Context, jobID, freelancer string, block uint64) (domain.Event, error) {
	block, err := r.pin(ctx, block)
	if err != nil {
		return domain.Event{}, err
	}
	p, err := r.GetApplicantDetails(ctx, jobID, freelancer, block)
	if err != nil {
		return domain.Event{}, err
	}
	return ProposalSnapshot(p, block), nil
}

// ReadOfferSnapshot reads a direct offer at block
func (r *Reader) ReadOfferSnapshot(ctx context.Context, jobID string, block uint64) (domain.Event, error) {
	block, err := r.pin(ctx, block)
	if err != nil {
		return domain.Event{}, err
	}
	o, err := r.GetDirectOffer(ctx, jobID, block)
	if err != nil {
		return domain.Event{}, err
	}
	return OfferSnapshot(o, block), nil
}

func (r *Reader) pin(ctx context.Context, block uint64) (uint64, error) {
	if block != 0 {
		return block, nil
	}
	return r.CurrentBlock(ctx)
}
