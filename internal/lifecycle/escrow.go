package lifecycle

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// Phase is the escrow sub-state while the parent job is Hired
type Phase string

const (
	PhaseFunded          Phase = "FUNDED"
	PhaseDelivered       Phase = "DELIVERED"
	PhaseDisputed        Phase = "DISPUTED"
	PhaseCancelRequested Phase = "CANCEL_REQUESTED"
	PhaseApproved        Phase = "APPROVED"
	PhaseResolved        Phase = "RESOLVED"
	PhaseCancelAccepted  Phase = "CANCEL_ACCEPTED"
)

// Terminal reports whether p is one of the absorbing outcomes
func (p Phase) Terminal() bool {
	return p == PhaseApproved || p == PhaseResolved || p == PhaseCancelAccepted
}

// EscrowPhase derives the sub-state from the cached flags
func EscrowPhase(e domain.Escrow) Phase {
	if e.Terminal {
		return TerminalOutcome(e)
	}
	switch {
	case e.Disputed:
		return PhaseDisputed
	case e.CancelRequested():
		return PhaseCancelRequested
	case e.Delivered:
		return PhaseDelivered
	default:
		return PhaseFunded
	}
}

// TerminalOutcome reconstructs which absorbing state a terminal escrow reached
// from the flags it carried when terminal became true. A dispute always ends
// in a resolution; an open cancel request, or a refund before any delivery,
// ends in an accepted cancel; otherwise the delivery was approved.
func TerminalOutcome(e domain.Escrow) Phase {
	switch {
	case e.Disputed:
		return PhaseResolved
	case e.CancelRequested():
		return PhaseCancelAccepted
	case e.Delivered:
		return PhaseApproved
	default:
		return PhaseCancelAccepted
	}
}

// ValidateEscrow checks invariants of a single escrow snapshot
func ValidateEscrow(e domain.Escrow) error {
	if e.Delivered && len(e.DeliveryHistory) == 0 {
		return newTransitionError("escrow", e.Address, "", string(EscrowPhase(e)), "delivered without delivery history")
	}
	for i := 1; i < len(e.DeliveryHistory); i++ {
		if e.DeliveryHistory[i].Version <= e.DeliveryHistory[i-1].Version {
			return newTransitionError("escrow", e.Address, "", string(EscrowPhase(e)),
				fmt.Sprintf("delivery version %d does not follow %d", e.DeliveryHistory[i].Version, e.DeliveryHistory[i-1].Version))
		}
	}
	return nil
}

// ValidateEscrowTransition checks that next is a legal successor of prev:
// terminal is absorbing, history is append-only, and delivered/disputed
// never flip back to false.
func ValidateEscrowTransition(prev, next domain.Escrow) error {
	from := string(EscrowPhase(prev))
	to := string(EscrowPhase(next))

	if prev.Terminal {
		return newTransitionError("escrow", next.Address, from, to, "escrow is terminal")
	}
	if err := ValidateEscrow(next); err != nil {
		return err
	}
	if prev.Address != "" && !strings.EqualFold(prev.Address, next.Address) {
		return newTransitionError("escrow", next.Address, from, to, "address changed")
	}
	if prev.JobID != "" && next.JobID != "" && prev.JobID != next.JobID {
		return newTransitionError("escrow", next.Address, from, to, "job back-reference changed")
	}
	if prev.Delivered && !next.Delivered {
		return newTransitionError("escrow", next.Address, from, to, "delivered flag cleared")
	}
	if prev.Disputed && !next.Disputed {
		return newTransitionError("escrow", next.Address, from, to, "disputed flag cleared")
	}
	if len(next.DeliveryHistory) < len(prev.DeliveryHistory) {
		return newTransitionError("escrow", next.Address, from, to, "delivery history shrank")
	}
	for i, d := range prev.DeliveryHistory {
		n := next.DeliveryHistory[i]
		if n.Version != d.Version || n.URI != d.URI || !n.Timestamp.Equal(d.Timestamp) {
			return newTransitionError("escrow", next.Address, from, to,
				fmt.Sprintf("historical delivery v%d rewritten", d.Version))
		}
	}
	return nil
}

// LatestDelivery returns the highest-version delivery, the only one eligible
// for approve or dispute actions.
func LatestDelivery(e domain.Escrow) (domain.Delivery, bool) {
	if len(e.DeliveryHistory) == 0 {
		return domain.Delivery{}, false
	}
	latest := e.DeliveryHistory[0]
	for _, d := range e.DeliveryHistory[1:] {
		if d.Version > latest.Version {
			latest = d
		}
	}
	return latest, true
}

// CanActOnDelivery reports whether version may still be approved or disputed
func CanActOnDelivery(e domain.Escrow, version uint64) bool {
	if e.Terminal {
		return false
	}
	latest, ok := LatestDelivery(e)
	return ok && latest.Version == version
}

// AppendDelivery returns e with d appended when d is newer than every entry.
// ok is false when the version is not strictly greater than the latest one.
func AppendDelivery(e domain.Escrow, d domain.Delivery) (domain.Escrow, bool) {
	if latest, has := LatestDelivery(e); has && d.Version <= latest.Version {
		return e, false
	}
	out := e.Clone()
	out.DeliveryHistory = append(out.DeliveryHistory, d)
	out.Delivered = true
	return out, true
}
