package ingest

import (
	"fmt"
	"math/big"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/lifecycle"
	"github.com/cuongbtq/escrow-sync/internal/worker/internal/storage"
)

// Delta is the change one event makes to one cached entity. Exactly one of
// the merge functions (or Dispute) is set, matching Entity.
type Delta struct {
	Entity   string
	ID       string
	Key      string
	Position domain.Position

	Job      func(domain.Job) domain.Job
	Escrow   func(domain.Escrow) (domain.Escrow, error)
	Proposal func(domain.Proposal) domain.Proposal
	Offer    func(domain.DirectOffer) domain.DirectOffer
	Dispute  *domain.Dispute
}

// Normalize splits ev into per-entity deltas. Events that touch both a job
// and its escrow yield one delta each, with keys derived from the event key.
func Normalize(ev domain.Event) ([]Delta, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	pos := ev.Position()
	base := ev.IdempotencyKey()
	delta := func(entity, id string) Delta {
		return Delta{Entity: entity, ID: id, Key: base + "#" + entity, Position: pos}
	}
	jobDelta := func(fn func(domain.Job) domain.Job) Delta {
		d := delta(storage.EntityJob, ev.JobID)
		d.Job = func(j domain.Job) domain.Job {
			j.JobID = ev.JobID
			j = fn(j)
			touch(&j, ev.BlockTime)
			return j
		}
		return d
	}
	escrowDelta := func(fn func(domain.Escrow) (domain.Escrow, error)) Delta {
		d := delta(storage.EntityEscrow, ev.Escrow)
		d.Escrow = func(e domain.Escrow) (domain.Escrow, error) {
			e = e.Clone()
			e.Address = ev.Escrow
			if e.JobID == "" {
				e.JobID = ev.JobID
			}
			return fn(e)
		}
		return d
	}

	switch ev.Kind {
	case domain.EventJobPosted:
		return []Delta{jobDelta(func(j domain.Job) domain.Job {
			if j.Status == "" || j.Status == domain.JobStatusUnknown {
				j.Status = domain.JobStatusOpen
			}
			j.Client = ev.Actor
			j.Title = ev.Title
			j.DescriptionURI = ev.URI
			j.BudgetUSDC = orZero(ev.Amount)
			j.PostingBond = orZero(ev.Bond)
			j.ExpiresAt = ev.Timestamp
			if j.CreatedAt.IsZero() {
				j.CreatedAt = ev.BlockTime
			}
			return j
		})}, nil

	case domain.EventJobApplied:
		d := delta(storage.EntityProposal, ev.JobID+"/"+ev.Actor)
		d.Proposal = func(p domain.Proposal) domain.Proposal {
			p.JobID = ev.JobID
			p.Freelancer = ev.Actor
			p.AppliedAt = ev.BlockTime
			p.ProposalURI = ev.URI
			p.BidAmount = orZero(ev.Amount)
			p.DeliveryDays = ev.Days
			return p
		}
		return []Delta{d}, nil

	case domain.EventJobHired:
		return []Delta{
			jobDelta(func(j domain.Job) domain.Job {
				j.Status = domain.JobStatusHired
				j.HiredFreelancer = ev.Actor
				j.EscrowAddress = ev.Escrow
				return j
			}),
			escrowDelta(func(e domain.Escrow) (domain.Escrow, error) {
				return e, nil
			}),
		}, nil

	case domain.EventJobCancelled:
		return []Delta{jobDelta(func(j domain.Job) domain.Job {
			j.Status = domain.JobStatusCancelled
			j.EscrowAddress = ""
			return j
		})}, nil

	case domain.EventWorkDelivered:
		at := ev.Timestamp
		if at.IsZero() {
			at = ev.BlockTime
		}
		return []Delta{escrowDelta(func(e domain.Escrow) (domain.Escrow, error) {
			next, ok := lifecycle.AppendDelivery(e, domain.Delivery{URI: ev.URI, Timestamp: at, Version: ev.Version})
			if !ok {
				return e, fmt.Errorf("%w: escrow %s delivery v%d is not newer than the history",
					lifecycle.ErrInconsistentTransition, ev.Escrow, ev.Version)
			}
			return next, nil
		})}, nil

	case domain.EventDisputeRaised:
		d := delta(storage.EntityDispute, ev.Escrow)
		d.Dispute = &domain.Dispute{
			JobID:            ev.JobID,
			EscrowAddress:    ev.Escrow,
			DisputerAddress:  ev.Actor,
			DisputeReasonURI: ev.URI,
			TransactionHash:  ev.TxHash,
			Status:           domain.DisputeStatusOpen,
			CreatedAt:        ev.BlockTime,
		}
		return []Delta{
			escrowDelta(func(e domain.Escrow) (domain.Escrow, error) {
				e.Disputed = true
				return e, nil
			}),
			d,
		}, nil

	case domain.EventCancelRequested:
		return []Delta{escrowDelta(func(e domain.Escrow) (domain.Escrow, error) {
			e.CancelRequestedBy = ev.Actor
			return e, nil
		})}, nil

	case domain.EventPaid, domain.EventRefunded:
		settle := escrowDelta(func(e domain.Escrow) (domain.Escrow, error) {
			e.Terminal = true
			return e, nil
		})
		if ev.JobID == "" {
			return []Delta{settle}, nil
		}
		job := jobDelta(func(j domain.Job) domain.Job {
			if ev.Kind == domain.EventPaid {
				j.Status = domain.JobStatusCompleted
				if j.EscrowAddress == "" {
					j.EscrowAddress = ev.Escrow
				}
			} else {
				j.Status = domain.JobStatusCancelled
				j.EscrowAddress = ""
			}
			return j
		})
		return []Delta{settle, job}, nil

	case domain.EventJobSnapshot:
		state := *ev.JobState
		d := delta(storage.EntityJob, state.JobID)
		d.Job = func(domain.Job) domain.Job { return state }
		return []Delta{d}, nil

	case domain.EventEscrowSnapshot:
		state := ev.EscrowState.Clone()
		d := delta(storage.EntityEscrow, state.Address)
		d.Escrow = func(domain.Escrow) (domain.Escrow, error) { return state.Clone(), nil }
		return []Delta{d}, nil

	case domain.EventProposalSnapshot:
		state := *ev.ProposalState
		d := delta(storage.EntityProposal, state.JobID+"/"+state.Freelancer)
		d.Proposal = func(domain.Proposal) domain.Proposal { return state }
		return []Delta{d}, nil

	case domain.EventOfferSnapshot:
		state := *ev.OfferState
		d := delta(storage.EntityOffer, state.JobID)
		d.Offer = func(domain.DirectOffer) domain.DirectOffer { return state }
		return []Delta{d}, nil
	}

	return nil, fmt.Errorf("%w: no deltas for %s", domain.ErrInvalidEvent, ev.Kind)
}

// touch moves updatedAt forward to t, never backwards
func touch(j *domain.Job, t time.Time) {
	if t.After(j.UpdatedAt) {
		j.UpdatedAt = t
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
