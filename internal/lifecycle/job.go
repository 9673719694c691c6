// Package lifecycle interprets raw contract fields into the Job and Escrow
// state machines and rejects cached transitions that the contracts could
// never have produced. Everything here is pure: no I/O, no clocks.
package lifecycle

import (
	"encoding/hex"
	"math/big"
	"strings"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// On-chain JobBoard status enum
const (
	chainStatusNone uint8 = iota
	chainStatusOpen
	chainStatusHired
	chainStatusCancelled
	chainStatusCompleted
	chainStatusExpired
)

// jobGraph lists the direct successors of every status
var jobGraph = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusUnknown: {domain.JobStatusOpen},
	domain.JobStatusOpen:    {domain.JobStatusHired, domain.JobStatusCancelled, domain.JobStatusExpired},
	domain.JobStatusHired:   {domain.JobStatusCompleted, domain.JobStatusCancelled},
}

// JobStatusFromChain maps the contract's status enum to a JobStatus.
// Unrecognised values map to Unknown.
func JobStatusFromChain(raw uint8) domain.JobStatus {
	switch raw {
	case chainStatusOpen:
		return domain.JobStatusOpen
	case chainStatusHired:
		return domain.JobStatusHired
	case chainStatusCancelled:
		return domain.JobStatusCancelled
	case chainStatusCompleted:
		return domain.JobStatusCompleted
	case chainStatusExpired:
		return domain.JobStatusExpired
	default:
		return domain.JobStatusUnknown
	}
}

// Reachable reports whether to can be reached from from by following zero or
// more edges of the job graph. A snapshot may legitimately jump several edges
// when intermediate events were never observed.
func Reachable(from, to domain.JobStatus) bool {
	if from == to {
		return true
	}
	seen := map[domain.JobStatus]bool{from: true}
	queue := []domain.JobStatus{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range jobGraph[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// requiresEscrow reports whether a job in status s must reference an escrow
func requiresEscrow(s domain.JobStatus) bool {
	return s == domain.JobStatusHired || s == domain.JobStatusCompleted
}

// InterpretJob converts a raw getJob result into a validated Job
func InterpretJob(raw domain.RawJob) (domain.Job, error) {
	job := domain.Job{
		Client:          normalizeAddress(raw.Client),
		Title:           raw.Title,
		DescriptionURI:  raw.DescriptionURI,
		BudgetUSDC:      cloneInt(raw.BudgetUSDC),
		Status:          JobStatusFromChain(raw.Status),
		HiredFreelancer: normalizeAddress(raw.HiredFreelancer),
		EscrowAddress:   normalizeAddress(raw.EscrowAddress),
		CreatedAt:       unixTime(raw.CreatedAt),
		UpdatedAt:       unixTime(raw.UpdatedAt),
		ExpiresAt:       unixTime(raw.ExpiresAt),
		Tags:            decodeTags(raw.Tags),
		PostingBond:     cloneInt(raw.PostingBond),
	}
	if raw.JobID != nil {
		job.JobID = raw.JobID.String()
	}
	// A cancelled job keeps its escrow on chain; the escrow's own jobId
	// back-reference preserves the link once the job stops pointing at it.
	if job.Status == domain.JobStatusCancelled {
		job.EscrowAddress = ""
	}

	if err := ValidateJob(job); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// ValidateJob checks the invariants a single job snapshot must satisfy
func ValidateJob(job domain.Job) error {
	if !job.Status.Valid() {
		return newTransitionError("job", job.JobID, "", string(job.Status), "unknown status")
	}
	hasEscrow := job.EscrowAddress != ""
	if requiresEscrow(job.Status) && !hasEscrow {
		return newTransitionError("job", job.JobID, "", string(job.Status), "status requires an escrow address")
	}
	if !requiresEscrow(job.Status) && hasEscrow {
		return newTransitionError("job", job.JobID, "", string(job.Status), "escrow address set outside hired/completed")
	}
	return nil
}

// ValidateJobTransition checks that moving the cached job from prev to next
// follows the job graph and never regresses updatedAt.
func ValidateJobTransition(prev, next domain.Job) error {
	if err := ValidateJob(next); err != nil {
		return err
	}
	if !Reachable(prev.Status, next.Status) {
		return newTransitionError("job", next.JobID, string(prev.Status), string(next.Status), "transition not in job graph")
	}
	if !prev.UpdatedAt.IsZero() && next.UpdatedAt.Before(prev.UpdatedAt) {
		return newTransitionError("job", next.JobID, string(prev.Status), string(next.Status), "updatedAt regressed")
	}
	if prev.EscrowAddress != "" && next.EscrowAddress != "" && !strings.EqualFold(prev.EscrowAddress, next.EscrowAddress) {
		return newTransitionError("job", next.JobID, string(prev.Status), string(next.Status), "escrow address changed")
	}
	return nil
}

// EffectiveStatus is the status a reader should display at time now. An open
// job past its expiry is reported as Expired without touching the cache.
func EffectiveStatus(job domain.Job, now time.Time) domain.JobStatus {
	if job.Status == domain.JobStatusOpen && !job.ExpiresAt.IsZero() && !now.Before(job.ExpiresAt) {
		return domain.JobStatusExpired
	}
	return job.Status
}

// ValidateOfferTransition enforces that at most one outcome flag is set and
// that a settled offer never changes again.
func ValidateOfferTransition(prev, next domain.DirectOffer) error {
	flags := 0
	for _, f := range []bool{next.Accepted, next.Rejected, next.Cancelled} {
		if f {
			flags++
		}
	}
	if flags > 1 {
		return newTransitionError("offer", next.JobID, "", "", "more than one outcome flag set")
	}
	if prev.Settled() && (prev.Accepted != next.Accepted || prev.Rejected != next.Rejected || prev.Cancelled != next.Cancelled) {
		return newTransitionError("offer", next.JobID, offerState(prev), offerState(next), "settled offer changed")
	}
	return nil
}

func offerState(o domain.DirectOffer) string {
	switch {
	case o.Accepted:
		return "accepted"
	case o.Rejected:
		return "rejected"
	case o.Cancelled:
		return "cancelled"
	default:
		return "pending"
	}
}

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// normalizeAddress maps the zero address to "" so absence has one spelling
func normalizeAddress(addr string) string {
	if addr == "" || strings.EqualFold(addr, domain.ZeroAddress) {
		return ""
	}
	return addr
}

// decodeTags renders bytes32 tags as trimmed UTF-8, falling back to hex
func decodeTags(raw [][32]byte) []string {
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		s := strings.TrimRight(string(t[:]), "\x00")
		if s == "" {
			continue
		}
		if !isPrintable(s) {
			s = "0x" + hex.EncodeToString(t[:])
		}
		tags = append(tags, s)
	}
	return tags
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
