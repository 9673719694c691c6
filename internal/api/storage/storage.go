package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/escrow-sync/internal/api/model"
	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
)

// Storage is the read-only Postgres view of the cache. It implements
// cache.Reader and nothing else.
type Storage struct {
	db *sqlx.DB
}

var _ cache.Reader = (*Storage)(nil)

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

const (
	jobColumns = `
		job_id, client, title, description_uri, budget_usdc, status,
		hired_freelancer, escrow_address, created_at, updated_at, expires_at,
		tags, posting_bond, synced_at, last_applied_block, last_applied_index`

	escrowColumns = `
		address, job_id, cancel_end, delivery_due, review_due, delivered,
		disputed, terminal, cancel_requested_by, delivery_history,
		synced_at, last_applied_block, last_applied_index`

	proposalColumns = `
		job_id, freelancer, applied_at, proposal_uri, bid_amount, delivery_days,
		synced_at, last_applied_block, last_applied_index`

	offerColumns = `
		job_id, client, freelancer, budget_usdt, delivery_days, accepted,
		rejected, cancelled, synced_at, last_applied_block, last_applied_index`
)

func (s *Storage) GetJob(ctx context.Context, jobID string) (cache.Record[domain.Job], error) {
	var row model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		return cache.Record[domain.Job]{}, notFound(err, "job")
	}
	return row.Record(), nil
}

func (s *Storage) ListJobs(ctx context.Context, filter cache.JobFilter) ([]cache.Record[domain.Job], error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Client != "" {
		query += fmt.Sprintf(" AND client = $%d", argIdx)
		args = append(args, filter.Client)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (COALESCE(created_at, to_timestamp(0)), job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY COALESCE(created_at, to_timestamp(0)) DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []model.Job
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	records := make([]cache.Record[domain.Job], len(rows))
	for i, row := range rows {
		records[i] = row.Record()
	}
	return records, nil
}

func (s *Storage) GetEscrow(ctx context.Context, address string) (cache.Record[domain.Escrow], error) {
	var row model.Escrow
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE address = $1`

	if err := s.db.GetContext(ctx, &row, query, address); err != nil {
		return cache.Record[domain.Escrow]{}, notFound(err, "escrow")
	}
	return row.Record(), nil
}

func (s *Storage) GetProposal(ctx context.Context, jobID, freelancer string) (cache.Record[domain.Proposal], error) {
	var row model.Proposal
	query := `SELECT ` + proposalColumns + ` FROM proposals WHERE job_id = $1 AND freelancer = $2`

	if err := s.db.GetContext(ctx, &row, query, jobID, freelancer); err != nil {
		return cache.Record[domain.Proposal]{}, notFound(err, "proposal")
	}
	return row.Record(), nil
}

func (s *Storage) ListProposals(ctx context.Context, jobID string) ([]cache.Record[domain.Proposal], error) {
	return s.selectProposals(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE job_id = $1 ORDER BY applied_at, freelancer`, jobID)
}

// ListProposalsByFreelancer returns every cached proposal of one freelancer
func (s *Storage) ListProposalsByFreelancer(ctx context.Context, freelancer string) ([]cache.Record[domain.Proposal], error) {
	return s.selectProposals(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE freelancer = $1 ORDER BY job_id`, freelancer)
}

func (s *Storage) selectProposals(ctx context.Context, query string, arg string) ([]cache.Record[domain.Proposal], error) {
	var rows []model.Proposal
	if err := s.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}

	records := make([]cache.Record[domain.Proposal], len(rows))
	for i, row := range rows {
		records[i] = row.Record()
	}
	return records, nil
}

func (s *Storage) GetOffer(ctx context.Context, jobID string) (cache.Record[domain.DirectOffer], error) {
	var row model.DirectOffer
	query := `SELECT ` + offerColumns + ` FROM direct_offers WHERE job_id = $1`

	if err := s.db.GetContext(ctx, &row, query, jobID); err != nil {
		return cache.Record[domain.DirectOffer]{}, notFound(err, "direct offer")
	}
	return row.Record(), nil
}

func (s *Storage) ListDisputes(ctx context.Context, escrowAddress string) ([]domain.Dispute, error) {
	query := `
		SELECT job_id, escrow_address, disputer_address, dispute_reason_uri,
		       transaction_hash, status, created_at
		FROM disputes
		WHERE escrow_address = $1
		ORDER BY created_at, id
	`

	var disputes []domain.Dispute
	if err := s.db.SelectContext(ctx, &disputes, query, escrowAddress); err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	return disputes, nil
}

func (s *Storage) ListSyncStatus(ctx context.Context) ([]domain.SyncStatus, error) {
	query := `
		SELECT contract_name, last_synced_block, last_synced_at, sync_errors, last_error
		FROM sync_status
		ORDER BY contract_name
	`

	var rows []model.SyncStatus
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list sync status: %w", err)
	}

	statuses := make([]domain.SyncStatus, len(rows))
	for i, row := range rows {
		statuses[i] = row.Domain()
	}
	return statuses, nil
}

// notFound maps sql.ErrNoRows to cache.ErrMiss
func notFound(err error, entity string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return cache.ErrMiss
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}
