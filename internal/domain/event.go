package domain

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// EventKind identifies a normalized chain event or field-read snapshot
type EventKind string

// Log events emitted by the JobBoard and Escrow contracts
const (
	EventJobPosted       EventKind = "JobPosted"
	EventJobApplied      EventKind = "JobApplied"
	EventJobHired        EventKind = "JobHired"
	EventJobCancelled    EventKind = "JobCancelled"
	EventWorkDelivered   EventKind = "WorkDelivered"
	EventDisputeRaised   EventKind = "DisputeRaised"
	EventCancelRequested EventKind = "CancelRequested"
	EventPaid            EventKind = "Paid"
	EventRefunded        EventKind = "Refunded"
)

// Snapshots built from view-function reads during catch-up
const (
	EventJobSnapshot      EventKind = "JobSnapshot"
	EventEscrowSnapshot   EventKind = "EscrowSnapshot"
	EventProposalSnapshot EventKind = "ProposalSnapshot"
	EventOfferSnapshot    EventKind = "OfferSnapshot"
)

// IsSnapshot reports whether k is a field-read snapshot rather than a log event
func (k EventKind) IsSnapshot() bool {
	switch k {
	case EventJobSnapshot, EventEscrowSnapshot, EventProposalSnapshot, EventOfferSnapshot:
		return true
	}
	return false
}

// SnapshotIndex places a snapshot after every log of its block, since a
// view read at block N observes the state produced by all of block N.
const SnapshotIndex uint64 = math.MaxUint32

// Position orders updates to a single entity
type Position struct {
	Block uint64 `json:"block"`
	Index uint64 `json:"index"`
}

// Before reports whether p sorts strictly before o
func (p Position) Before(o Position) bool {
	if p.Block != o.Block {
		return p.Block < o.Block
	}
	return p.Index < o.Index
}

func (p Position) String() string {
	return fmt.Sprintf("%d/%d", p.Block, p.Index)
}

// Event is a normalized chain event. Log events carry TxHash and LogIndex;
// snapshots carry Source (the view function read) and one of the payloads.
type Event struct {
	Kind        EventKind `json:"kind"`
	Contract    string    `json:"contract"`
	BlockNumber uint64    `json:"block_number"`
	BlockTime   time.Time `json:"block_time"`
	TxHash      string    `json:"tx_hash,omitempty"`
	LogIndex    uint      `json:"log_index"`
	Source      string    `json:"source,omitempty"`

	JobID   string   `json:"job_id,omitempty"`
	Escrow  string   `json:"escrow,omitempty"`
	Actor   string   `json:"actor,omitempty"`
	URI     string   `json:"uri,omitempty"`
	Title   string   `json:"title,omitempty"`
	Amount  *big.Int `json:"amount,omitempty"`
	Bond    *big.Int `json:"bond,omitempty"`
	Version uint64   `json:"version,omitempty"`
	Days    uint64   `json:"days,omitempty"`

	// Timestamp is an event-supplied time (delivery time, expiry) distinct from BlockTime
	Timestamp time.Time `json:"timestamp"`

	JobState      *Job         `json:"job_state,omitempty"`
	EscrowState   *Escrow      `json:"escrow_state,omitempty"`
	ProposalState *Proposal    `json:"proposal_state,omitempty"`
	OfferState    *DirectOffer `json:"offer_state,omitempty"`
}

// Position returns the ordering key of the event
func (e Event) Position() Position {
	if e.Kind.IsSnapshot() {
		return Position{Block: e.BlockNumber, Index: SnapshotIndex}
	}
	return Position{Block: e.BlockNumber, Index: uint64(e.LogIndex)}
}

// IdempotencyKey identifies the event across redeliveries and replays
func (e Event) IdempotencyKey() string {
	if e.Kind.IsSnapshot() {
		return fmt.Sprintf("snap:%s:%s:%s@%d", e.Kind, e.entityID(), e.Source, e.BlockNumber)
	}
	return fmt.Sprintf("tx:%s:%d", strings.ToLower(e.TxHash), e.LogIndex)
}

func (e Event) entityID() string {
	switch e.Kind {
	case EventEscrowSnapshot:
		return strings.ToLower(e.Escrow)
	case EventProposalSnapshot:
		return e.JobID + "/" + strings.ToLower(e.Actor)
	default:
		return e.JobID
	}
}

// Validate checks the fields every consumer relies on
func (e Event) Validate() error {
	if e.Kind == "" {
		return fmt.Errorf("%w: missing kind", ErrInvalidEvent)
	}
	if e.Kind.IsSnapshot() {
		if e.Source == "" {
			return fmt.Errorf("%w: snapshot %s without source", ErrInvalidEvent, e.Kind)
		}
		switch e.Kind {
		case EventJobSnapshot:
			if e.JobState == nil {
				return fmt.Errorf("%w: job snapshot without state", ErrInvalidEvent)
			}
		case EventEscrowSnapshot:
			if e.EscrowState == nil {
				return fmt.Errorf("%w: escrow snapshot without state", ErrInvalidEvent)
			}
		case EventProposalSnapshot:
			if e.ProposalState == nil {
				return fmt.Errorf("%w: proposal snapshot without state", ErrInvalidEvent)
			}
		case EventOfferSnapshot:
			if e.OfferState == nil {
				return fmt.Errorf("%w: offer snapshot without state", ErrInvalidEvent)
			}
		}
		return nil
	}
	if e.TxHash == "" {
		return fmt.Errorf("%w: %s without tx hash", ErrInvalidEvent, e.Kind)
	}
	switch e.Kind {
	case EventWorkDelivered, EventDisputeRaised, EventCancelRequested, EventPaid, EventRefunded:
		if e.Escrow == "" {
			return fmt.Errorf("%w: %s without escrow address", ErrInvalidEvent, e.Kind)
		}
	case EventJobPosted, EventJobApplied, EventJobHired, EventJobCancelled:
		if e.JobID == "" {
			return fmt.Errorf("%w: %s without job id", ErrInvalidEvent, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}
