package domain

import "time"

// ZeroAddress is the canonical hex form of the empty address
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// Delivery is one submission of work against an escrow
type Delivery struct {
	URI       string    `json:"uri"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version"`
}

// Escrow is the off-chain snapshot of a per-job escrow contract.
// JobID is a back-reference only; the escrow is keyed by its own address.
type Escrow struct {
	Address           string     `json:"address"`
	JobID             string     `json:"job_id"`
	CancelEnd         time.Time  `json:"cancel_end"`
	DeliveryDue       time.Time  `json:"delivery_due"`
	ReviewDue         time.Time  `json:"review_due"`
	Delivered         bool       `json:"delivered"`
	Disputed          bool       `json:"disputed"`
	Terminal          bool       `json:"terminal"`
	CancelRequestedBy string     `json:"cancel_requested_by,omitempty"`
	DeliveryHistory   []Delivery `json:"delivery_history"`
}

// CancelRequested reports whether either party has an open cancel request
func (e Escrow) CancelRequested() bool {
	return e.CancelRequestedBy != "" && e.CancelRequestedBy != ZeroAddress
}

// Clone returns a copy that does not share the delivery history backing array
func (e Escrow) Clone() Escrow {
	out := e
	if e.DeliveryHistory != nil {
		out.DeliveryHistory = make([]Delivery, len(e.DeliveryHistory))
		copy(out.DeliveryHistory, e.DeliveryHistory)
	}
	return out
}

// Dispute statuses
const (
	DisputeStatusOpen     = "open"
	DisputeStatusResolved = "resolved"
)

// Dispute is an append-only record of a dispute raised against an escrow
type Dispute struct {
	JobID            string    `db:"job_id" json:"job_id"`
	EscrowAddress    string    `db:"escrow_address" json:"escrow_address"`
	DisputerAddress  string    `db:"disputer_address" json:"disputer_address"`
	DisputeReasonURI string    `db:"dispute_reason_uri" json:"dispute_reason_uri"`
	TransactionHash  string    `db:"transaction_hash" json:"transaction_hash"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
