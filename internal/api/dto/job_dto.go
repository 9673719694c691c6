package dto

import (
	"math/big"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/lifecycle"
	"github.com/cuongbtq/escrow-sync/internal/metadata"
)

type ListJobsRequest struct {
	Status   string `form:"status"`
	Client   string `form:"client"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// Freshness tells the caller where a value came from and how old it is
type Freshness struct {
	Source   cache.Source `json:"source"`
	SyncedAt string       `json:"synced_at"`
	Stale    bool         `json:"stale"`
}

func NewFreshness(source cache.Source, syncedAt time.Time) Freshness {
	return Freshness{
		Source:   source,
		SyncedAt: syncedAt.UTC().Format(time.RFC3339),
		Stale:    source == cache.SourceStaleCache,
	}
}

type JobDTO struct {
	JobID           string             `json:"job_id"`
	Client          string             `json:"client"`
	Title           string             `json:"title"`
	DescriptionURI  string             `json:"description_uri"`
	BudgetUSDC      string             `json:"budget_usdc"`
	Status          domain.JobStatus   `json:"status"`
	HiredFreelancer string             `json:"hired_freelancer,omitempty"`
	EscrowAddress   string             `json:"escrow_address,omitempty"`
	CreatedAt       string             `json:"created_at,omitempty"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	ExpiresAt       string             `json:"expires_at,omitempty"`
	Tags            []string           `json:"tags"`
	PostingBond     string             `json:"posting_bond"`
	Metadata        *metadata.Document `json:"metadata,omitempty"`
	Freshness
}

// NewJobDTO renders a job with the status a reader should see at now
func NewJobDTO(j domain.Job, f Freshness, now time.Time) JobDTO {
	tags := j.Tags
	if tags == nil {
		tags = []string{}
	}
	return JobDTO{
		JobID:           j.JobID,
		Client:          j.Client,
		Title:           j.Title,
		DescriptionURI:  j.DescriptionURI,
		BudgetUSDC:      amount(j.BudgetUSDC),
		Status:          lifecycle.EffectiveStatus(j, now),
		HiredFreelancer: j.HiredFreelancer,
		EscrowAddress:   j.EscrowAddress,
		CreatedAt:       timestamp(j.CreatedAt),
		UpdatedAt:       timestamp(j.UpdatedAt),
		ExpiresAt:       timestamp(j.ExpiresAt),
		Tags:            tags,
		PostingBond:     amount(j.PostingBond),
		Freshness:       f,
	}
}

type ProposalDTO struct {
	JobID        string `json:"job_id"`
	Freelancer   string `json:"freelancer"`
	AppliedAt    string `json:"applied_at,omitempty"`
	ProposalURI  string `json:"proposal_uri"`
	BidAmount    string `json:"bid_amount"`
	DeliveryDays uint64 `json:"delivery_days"`
}

func NewProposalDTO(p domain.Proposal) ProposalDTO {
	return ProposalDTO{
		JobID:        p.JobID,
		Freelancer:   p.Freelancer,
		AppliedAt:    timestamp(p.AppliedAt),
		ProposalURI:  p.ProposalURI,
		BidAmount:    amount(p.BidAmount),
		DeliveryDays: p.DeliveryDays,
	}
}

type ListProposalsResponse struct {
	Proposals []ProposalDTO `json:"proposals"`
}

type DeliveryDTO struct {
	URI       string `json:"uri"`
	Timestamp string `json:"timestamp,omitempty"`
	Version   uint64 `json:"version"`
}

type EscrowDTO struct {
	Address           string           `json:"address"`
	JobID             string           `json:"job_id"`
	Phase             lifecycle.Phase  `json:"phase"`
	CancelEnd         string           `json:"cancel_end,omitempty"`
	DeliveryDue       string           `json:"delivery_due,omitempty"`
	ReviewDue         string           `json:"review_due,omitempty"`
	Delivered         bool             `json:"delivered"`
	Disputed          bool             `json:"disputed"`
	Terminal          bool             `json:"terminal"`
	CancelRequestedBy string           `json:"cancel_requested_by,omitempty"`
	LatestDelivery    *DeliveryDTO     `json:"latest_delivery,omitempty"`
	DeliveryHistory   []DeliveryDTO    `json:"delivery_history"`
	Disputes          []domain.Dispute `json:"disputes"`
	Freshness
}

func NewEscrowDTO(e domain.Escrow, disputes []domain.Dispute, f Freshness) EscrowDTO {
	out := EscrowDTO{
		Address:           e.Address,
		JobID:             e.JobID,
		Phase:             lifecycle.EscrowPhase(e),
		CancelEnd:         timestamp(e.CancelEnd),
		DeliveryDue:       timestamp(e.DeliveryDue),
		ReviewDue:         timestamp(e.ReviewDue),
		Delivered:         e.Delivered,
		Disputed:          e.Disputed,
		Terminal:          e.Terminal,
		CancelRequestedBy: e.CancelRequestedBy,
		DeliveryHistory:   make([]DeliveryDTO, len(e.DeliveryHistory)),
		Disputes:          disputes,
		Freshness:         f,
	}
	for i, d := range e.DeliveryHistory {
		out.DeliveryHistory[i] = newDeliveryDTO(d)
	}
	if latest, ok := lifecycle.LatestDelivery(e); ok {
		d := newDeliveryDTO(latest)
		out.LatestDelivery = &d
	}
	if out.Disputes == nil {
		out.Disputes = []domain.Dispute{}
	}
	return out
}

func newDeliveryDTO(d domain.Delivery) DeliveryDTO {
	return DeliveryDTO{URI: d.URI, Timestamp: timestamp(d.Timestamp), Version: d.Version}
}

type OfferDTO struct {
	JobID        string `json:"job_id"`
	Client       string `json:"client"`
	Freelancer   string `json:"freelancer"`
	BudgetUSDT   string `json:"budget_usdt"`
	DeliveryDays uint64 `json:"delivery_days"`
	Accepted     bool   `json:"accepted"`
	Rejected     bool   `json:"rejected"`
	Cancelled    bool   `json:"cancelled"`
	Freshness
}

func NewOfferDTO(o domain.DirectOffer, f Freshness) OfferDTO {
	return OfferDTO{
		JobID:        o.JobID,
		Client:       o.Client,
		Freelancer:   o.Freelancer,
		BudgetUSDT:   amount(o.BudgetUSDT),
		DeliveryDays: o.DeliveryDays,
		Accepted:     o.Accepted,
		Rejected:     o.Rejected,
		Cancelled:    o.Cancelled,
		Freshness:    f,
	}
}

// amount renders token amounts as decimal strings; they overflow JSON numbers
func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
