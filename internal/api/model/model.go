// Package model holds the database rows of cached entities and their
// conversions to domain records.
package model

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
)

// Applied tracks the position and write time shared by every entity row
type Applied struct {
	SyncedAt         time.Time `db:"synced_at"`
	LastAppliedBlock uint64    `db:"last_applied_block"`
	LastAppliedIndex uint64    `db:"last_applied_index"`
}

func newApplied(pos domain.Position, syncedAt time.Time) Applied {
	return Applied{SyncedAt: syncedAt, LastAppliedBlock: pos.Block, LastAppliedIndex: pos.Index}
}

func (a Applied) position() domain.Position {
	return domain.Position{Block: a.LastAppliedBlock, Index: a.LastAppliedIndex}
}

type Job struct {
	JobID           string         `db:"job_id"`
	Client          string         `db:"client"`
	Title           string         `db:"title"`
	DescriptionURI  string         `db:"description_uri"`
	BudgetUSDC      string         `db:"budget_usdc"`
	Status          string         `db:"status"`
	HiredFreelancer string         `db:"hired_freelancer"`
	EscrowAddress   string         `db:"escrow_address"`
	CreatedAt       sql.NullTime   `db:"created_at"`
	UpdatedAt       sql.NullTime   `db:"updated_at"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	Tags            pq.StringArray `db:"tags"`
	PostingBond     string         `db:"posting_bond"`
	Applied
}

// NewJob converts a domain job into a row
func NewJob(j domain.Job, pos domain.Position, syncedAt time.Time) Job {
	tags := pq.StringArray(j.Tags)
	if tags == nil {
		tags = pq.StringArray{}
	}
	return Job{
		JobID:           j.JobID,
		Client:          j.Client,
		Title:           j.Title,
		DescriptionURI:  j.DescriptionURI,
		BudgetUSDC:      numeric(j.BudgetUSDC),
		Status:          string(j.Status),
		HiredFreelancer: j.HiredFreelancer,
		EscrowAddress:   j.EscrowAddress,
		CreatedAt:       nullTime(j.CreatedAt),
		UpdatedAt:       nullTime(j.UpdatedAt),
		ExpiresAt:       nullTime(j.ExpiresAt),
		Tags:            tags,
		PostingBond:     numeric(j.PostingBond),
		Applied:         newApplied(pos, syncedAt),
	}
}

// Record converts the row back into a cache record
func (r Job) Record() cache.Record[domain.Job] {
	return cache.Record[domain.Job]{
		Value: domain.Job{
			JobID:           r.JobID,
			Client:          r.Client,
			Title:           r.Title,
			DescriptionURI:  r.DescriptionURI,
			BudgetUSDC:      parseNumeric(r.BudgetUSDC),
			Status:          domain.JobStatus(r.Status),
			HiredFreelancer: r.HiredFreelancer,
			EscrowAddress:   r.EscrowAddress,
			CreatedAt:       r.CreatedAt.Time,
			UpdatedAt:       r.UpdatedAt.Time,
			ExpiresAt:       r.ExpiresAt.Time,
			Tags:            []string(r.Tags),
			PostingBond:     parseNumeric(r.PostingBond),
		},
		SyncedAt: r.SyncedAt,
		Position: r.position(),
	}
}

// Deliveries stores an escrow's delivery history as JSONB
type Deliveries []domain.Delivery

// Value implements driver.Valuer. The JSON is sent as text since lib/pq
// encodes []byte parameters as bytea.
func (d Deliveries) Value() (driver.Value, error) {
	if d == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]domain.Delivery(d))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (d *Deliveries) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Deliveries{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Deliveries", src)
	}
	return json.Unmarshal(raw, (*[]domain.Delivery)(d))
}

type Escrow struct {
	Address           string       `db:"address"`
	JobID             string       `db:"job_id"`
	CancelEnd         sql.NullTime `db:"cancel_end"`
	DeliveryDue       sql.NullTime `db:"delivery_due"`
	ReviewDue         sql.NullTime `db:"review_due"`
	Delivered         bool         `db:"delivered"`
	Disputed          bool         `db:"disputed"`
	Terminal          bool         `db:"terminal"`
	CancelRequestedBy string       `db:"cancel_requested_by"`
	DeliveryHistory   Deliveries   `db:"delivery_history"`
	Applied
}

// NewEscrow converts a domain escrow into a row
func NewEscrow(e domain.Escrow, pos domain.Position, syncedAt time.Time) Escrow {
	return Escrow{
		Address:           e.Address,
		JobID:             e.JobID,
		CancelEnd:         nullTime(e.CancelEnd),
		DeliveryDue:       nullTime(e.DeliveryDue),
		ReviewDue:         nullTime(e.ReviewDue),
		Delivered:         e.Delivered,
		Disputed:          e.Disputed,
		Terminal:          e.Terminal,
		CancelRequestedBy: e.CancelRequestedBy,
		DeliveryHistory:   Deliveries(e.DeliveryHistory),
		Applied:           newApplied(pos, syncedAt),
	}
}

// Record converts the row back into a cache record
func (r Escrow) Record() cache.Record[domain.Escrow] {
	return cache.Record[domain.Escrow]{
		Value: domain.Escrow{
			Address:           r.Address,
			JobID:             r.JobID,
			CancelEnd:         r.CancelEnd.Time,
			DeliveryDue:       r.DeliveryDue.Time,
			ReviewDue:         r.ReviewDue.Time,
			Delivered:         r.Delivered,
			Disputed:          r.Disputed,
			Terminal:          r.Terminal,
			CancelRequestedBy: r.CancelRequestedBy,
			DeliveryHistory:   []domain.Delivery(r.DeliveryHistory),
		},
		SyncedAt: r.SyncedAt,
		Position: r.position(),
	}
}

type Proposal struct {
	JobID        string       `db:"job_id"`
	Freelancer   string       `db:"freelancer"`
	AppliedAt    sql.NullTime `db:"applied_at"`
	ProposalURI  string       `db:"proposal_uri"`
	BidAmount    string       `db:"bid_amount"`
	DeliveryDays uint64       `db:"delivery_days"`
	Applied
}

// NewProposal converts a domain proposal into a row
func NewProposal(p domain.Proposal, pos domain.Position, syncedAt time.Time) Proposal {
	return Proposal{
		JobID:        p.JobID,
		Freelancer:   p.Freelancer,
		AppliedAt:    nullTime(p.AppliedAt),
		ProposalURI:  p.ProposalURI,
		BidAmount:    numeric(p.BidAmount),
		DeliveryDays: p.DeliveryDays,
		Applied:      newApplied(pos, syncedAt),
	}
}

// Record converts the row back into a cache record
func (r Proposal) Record() cache.Record[domain.Proposal] {
	return cache.Record[domain.Proposal]{
		Value: domain.Proposal{
			JobID:        r.JobID,
			Freelancer:   r.Freelancer,
			AppliedAt:    r.AppliedAt.Time,
			ProposalURI:  r.ProposalURI,
			BidAmount:    parseNumeric(r.BidAmount),
			DeliveryDays: r.DeliveryDays,
		},
		SyncedAt: r.SyncedAt,
		Position: r.position(),
	}
}

type DirectOffer struct {
	JobID        string `db:"job_id"`
	Client       string `db:"client"`
	Freelancer   string `db:"freelancer"`
	BudgetUSDT   string `db:"budget_usdt"`
	DeliveryDays uint64 `db:"delivery_days"`
	Accepted     bool   `db:"accepted"`
	Rejected     bool   `db:"rejected"`
	Cancelled    bool   `db:"cancelled"`
	Applied
}

// NewDirectOffer converts a domain offer into a row
func NewDirectOffer(o domain.DirectOffer, pos domain.Position, syncedAt time.Time) DirectOffer {
	return DirectOffer{
		JobID:        o.JobID,
		Client:       o.Client,
		Freelancer:   o.Freelancer,
		BudgetUSDT:   numeric(o.BudgetUSDT),
		DeliveryDays: o.DeliveryDays,
		Accepted:     o.Accepted,
		Rejected:     o.Rejected,
		Cancelled:    o.Cancelled,
		Applied:      newApplied(pos, syncedAt),
	}
}

// Record converts the row back into a cache record
func (r DirectOffer) Record() cache.Record[domain.DirectOffer] {
	return cache.Record[domain.DirectOffer]{
		Value: domain.DirectOffer{
			JobID:        r.JobID,
			Client:       r.Client,
			Freelancer:   r.Freelancer,
			BudgetUSDT:   parseNumeric(r.BudgetUSDT),
			DeliveryDays: r.DeliveryDays,
			Accepted:     r.Accepted,
			Rejected:     r.Rejected,
			Cancelled:    r.Cancelled,
		},
		SyncedAt: r.SyncedAt,
		Position: r.position(),
	}
}

type SyncStatus struct {
	ContractName    string         `db:"contract_name"`
	LastSyncedBlock uint64         `db:"last_synced_block"`
	LastSyncedAt    sql.NullTime   `db:"last_synced_at"`
	SyncErrors      int            `db:"sync_errors"`
	LastError       sql.NullString `db:"last_error"`
}

// Domain converts the row into a domain sync status
func (r SyncStatus) Domain() domain.SyncStatus {
	s := domain.SyncStatus{
		ContractName:    r.ContractName,
		LastSyncedBlock: r.LastSyncedBlock,
		SyncErrors:      r.SyncErrors,
	}
	if r.LastSyncedAt.Valid {
		t := r.LastSyncedAt.Time
		s.LastSyncedAt = &t
	}
	if r.LastError.Valid {
		msg := r.LastError.String
		s.LastError = &msg
	}
	return s
}

// IsUniqueViolation reports whether err is a Postgres unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func numeric(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNumeric(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
