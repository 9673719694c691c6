package domain

import (
	"math/big"
	"time"
)

// JobStatus is the cached lifecycle state of a job
type JobStatus string

const (
	JobStatusUnknown   JobStatus = "UNKNOWN"
	JobStatusOpen      JobStatus = "OPEN"
	JobStatusHired     JobStatus = "HIRED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusExpired   JobStatus = "EXPIRED"
)

// Valid reports whether s is one of the known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusUnknown, JobStatusOpen, JobStatusHired,
		JobStatusCancelled, JobStatusCompleted, JobStatusExpired:
		return true
	}
	return false
}

// Job is the off-chain snapshot of a JobBoard job
type Job struct {
	JobID           string    `json:"job_id"`
	Client          string    `json:"client"`
	Title           string    `json:"title"`
	DescriptionURI  string    `json:"description_uri"`
	BudgetUSDC      *big.Int  `json:"budget_usdc"`
	Status          JobStatus `json:"status"`
	HiredFreelancer string    `json:"hired_freelancer,omitempty"`
	EscrowAddress   string    `json:"escrow_address,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Tags            []string  `json:"tags"`
	PostingBond     *big.Int  `json:"posting_bond"`
}

// RawJob is the decoded output of getJob(uint256) before interpretation
type RawJob struct {
	JobID           *big.Int
	Client          string
	Title           string
	DescriptionURI  string
	BudgetUSDC      *big.Int
	Status          uint8
	HiredFreelancer string
	EscrowAddress   string
	CreatedAt       uint64
	UpdatedAt       uint64
	ExpiresAt       uint64
	Tags            [][32]byte
	PostingBond     *big.Int
}

// Proposal is a freelancer's application to a job
type Proposal struct {
	JobID        string    `json:"job_id"`
	Freelancer   string    `json:"freelancer"`
	AppliedAt    time.Time `json:"applied_at"`
	ProposalURI  string    `json:"proposal_uri"`
	BidAmount    *big.Int  `json:"bid_amount"`
	DeliveryDays uint64    `json:"delivery_days"`
}

// DirectOffer is a job offered directly to a single freelancer
type DirectOffer struct {
	JobID        string   `json:"job_id"`
	Client       string   `json:"client"`
	Freelancer   string   `json:"freelancer"`
	BudgetUSDT   *big.Int `json:"budget_usdt"`
	DeliveryDays uint64   `json:"delivery_days"`
	Accepted     bool     `json:"accepted"`
	Rejected     bool     `json:"rejected"`
	Cancelled    bool     `json:"cancelled"`
}

// Settled reports whether any of the mutually exclusive outcome flags is set
func (o DirectOffer) Settled() bool {
	return o.Accepted || o.Rejected || o.Cancelled
}
