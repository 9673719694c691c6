package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/escrow-sync/internal/api/model"
	apistorage "github.com/cuongbtq/escrow-sync/internal/api/storage"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
)

// Postgres handles all cache writes for the sync pipeline. Reads are served
// by the embedded read-only storage.
type Postgres struct {
	*apistorage.Storage
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a new write store
func NewPostgres(pg *postgresql.Client, logger *slog.Logger) *Postgres {
	return &Postgres{
		Storage: apistorage.NewStorage(pg),
		db:      pg.GetDB(),
		logger:  logger,
		now:     time.Now,
	}
}

const (
	upsertJobSQL = `
		INSERT INTO jobs (
			job_id, client, title, description_uri, budget_usdc, status,
			hired_freelancer, escrow_address, created_at, updated_at, expires_at,
			tags, posting_bond, synced_at, last_applied_block, last_applied_index
		) VALUES (
			:job_id, :client, :title, :description_uri, :budget_usdc, :status,
			:hired_freelancer, :escrow_address, :created_at, :updated_at, :expires_at,
			:tags, :posting_bond, :synced_at, :last_applied_block, :last_applied_index
		)
		ON CONFLICT (job_id) DO UPDATE SET
			client = EXCLUDED.client,
			title = EXCLUDED.title,
			description_uri = EXCLUDED.description_uri,
			budget_usdc = EXCLUDED.budget_usdc,
			status = EXCLUDED.status,
			hired_freelancer = EXCLUDED.hired_freelancer,
			escrow_address = EXCLUDED.escrow_address,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at,
			expires_at = EXCLUDED.expires_at,
			tags = EXCLUDED.tags,
			posting_bond = EXCLUDED.posting_bond,
			synced_at = EXCLUDED.synced_at,
			last_applied_block = EXCLUDED.last_applied_block,
			last_applied_index = EXCLUDED.last_applied_index
		WHERE (jobs.last_applied_block, jobs.last_applied_index)
		    < (EXCLUDED.last_applied_block, EXCLUDED.last_applied_index)
	`

	upsertEscrowSQL = `
		INSERT INTO escrows (
			address, job_id, cancel_end, delivery_due, review_due, delivered,
			disputed, terminal, cancel_requested_by, delivery_history,
			synced_at, last_applied_block, last_applied_index
		) VALUES (
			:address, :job_id, :cancel_end, :delivery_due, :review_due, :delivered,
			:disputed, :terminal, :cancel_requested_by, :delivery_history,
			:synced_at, :last_applied_block, :last_applied_index
		)
		ON CONFLICT (address) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			cancel_end = EXCLUDED.cancel_end,
			delivery_due = EXCLUDED.delivery_due,
			review_due = EXCLUDED.review_due,
			delivered = EXCLUDED.delivered,
			disputed = EXCLUDED.disputed,
			terminal = EXCLUDED.terminal,
			cancel_requested_by = EXCLUDED.cancel_requested_by,
			delivery_history = EXCLUDED.delivery_history,
			synced_at = EXCLUDED.synced_at,
			last_applied_block = EXCLUDED.last_applied_block,
			last_applied_index = EXCLUDED.last_applied_index
		WHERE NOT escrows.terminal
		  AND (escrows.last_applied_block, escrows.last_applied_index)
		    < (EXCLUDED.last_applied_block, EXCLUDED.last_applied_index)
	`

	upsertProposalSQL = `
		INSERT INTO proposals (
			job_id, freelancer, applied_at, proposal_uri, bid_amount, delivery_days,
			synced_at, last_applied_block, last_applied_index
		) VALUES (
			:job_id, :freelancer, :applied_at, :proposal_uri, :bid_amount, :delivery_days,
			:synced_at, :last_applied_block, :last_applied_index
		)
		ON CONFLICT (job_id, freelancer) DO UPDATE SET
			applied_at = EXCLUDED.applied_at,
			proposal_uri = EXCLUDED.proposal_uri,
			bid_amount = EXCLUDED.bid_amount,
			delivery_days = EXCLUDED.delivery_days,
			synced_at = EXCLUDED.synced_at,
			last_applied_block = EXCLUDED.last_applied_block,
			last_applied_index = EXCLUDED.last_applied_index
		WHERE (proposals.last_applied_block, proposals.last_applied_index)
		    < (EXCLUDED.last_applied_block, EXCLUDED.last_applied_index)
	`

	upsertOfferSQL = `
		INSERT INTO direct_offers (
			job_id, client, freelancer, budget_usdt, delivery_days, accepted,
			rejected, cancelled, synced_at, last_applied_block, last_applied_index
		) VALUES (
			:job_id, :client, :freelancer, :budget_usdt, :delivery_days, :accepted,
			:rejected, :cancelled, :synced_at, :last_applied_block, :last_applied_index
		)
		ON CONFLICT (job_id) DO UPDATE SET
			client = EXCLUDED.client,
			freelancer = EXCLUDED.freelancer,
			budget_usdt = EXCLUDED.budget_usdt,
			delivery_days = EXCLUDED.delivery_days,
			accepted = EXCLUDED.accepted,
			rejected = EXCLUDED.rejected,
			cancelled = EXCLUDED.cancelled,
			synced_at = EXCLUDED.synced_at,
			last_applied_block = EXCLUDED.last_applied_block,
			last_applied_index = EXCLUDED.last_applied_index
		WHERE (direct_offers.last_applied_block, direct_offers.last_applied_index)
		    < (EXCLUDED.last_applied_block, EXCLUDED.last_applied_index)
	`
)

// HasApplied reports whether key was recorded by an earlier write
func (s *Postgres) HasApplied(ctx context.Context, key string) (bool, error) {
	var applied bool
	err := s.db.GetContext(ctx, &applied,
		`SELECT EXISTS (SELECT 1 FROM applied_events WHERE idempotency_key = $1)`, key)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	return applied, nil
}

func (s *Postgres) PutJob(ctx context.Context, key string, job domain.Job, pos domain.Position) error {
	return s.put(ctx, key, EntityJob, job.JobID, pos, upsertJobSQL, model.NewJob(job, pos, s.now()))
}

func (s *Postgres) PutEscrow(ctx context.Context, key string, escrow domain.Escrow, pos domain.Position) error {
	err := s.put(ctx, key, EntityEscrow, escrow.Address, pos, upsertEscrowSQL, model.NewEscrow(escrow, pos, s.now()), func(tx *sqlx.Tx) error {
		if !escrow.Terminal {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE disputes SET status = $1 WHERE escrow_address = $2 AND status = $3`,
			domain.DisputeStatusResolved, escrow.Address, domain.DisputeStatusOpen)
		if err != nil {
			return fmt.Errorf("failed to resolve disputes: %w", err)
		}
		return nil
	})
	if !errors.Is(err, ErrStale) {
		return err
	}

	// Tell a terminal escrow apart from an ordinary stale write
	var terminal bool
	if qerr := s.db.GetContext(ctx, &terminal, `SELECT terminal FROM escrows WHERE address = $1`, escrow.Address); qerr == nil && terminal {
		return ErrTerminal
	}
	return err
}

func (s *Postgres) PutProposal(ctx context.Context, key string, p domain.Proposal, pos domain.Position) error {
	id := p.JobID + "/" + p.Freelancer
	return s.put(ctx, key, EntityProposal, id, pos, upsertProposalSQL, model.NewProposal(p, pos, s.now()))
}

func (s *Postgres) PutOffer(ctx context.Context, key string, o domain.DirectOffer, pos domain.Position) error {
	return s.put(ctx, key, EntityOffer, o.JobID, pos, upsertOfferSQL, model.NewDirectOffer(o, pos, s.now()))
}

func (s *Postgres) RecordDispute(ctx context.Context, key string, d domain.Dispute, pos domain.Position) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := claimKey(ctx, tx, key, EntityDispute, d.EscrowAddress, pos); err != nil {
			return err
		}

		query := `
			INSERT INTO disputes (
				job_id, escrow_address, disputer_address, dispute_reason_uri,
				transaction_hash, status, created_at
			) VALUES (
				$1, $2, $3, $4, $5,
				CASE WHEN EXISTS (SELECT 1 FROM escrows WHERE address = $2 AND terminal)
				     THEN $6 ELSE $7 END,
				$8
			)
			ON CONFLICT (transaction_hash, escrow_address) DO NOTHING
		`
		_, err := tx.ExecContext(ctx, query,
			d.JobID, d.EscrowAddress, d.DisputerAddress, d.DisputeReasonURI, d.TransactionHash,
			domain.DisputeStatusResolved, domain.DisputeStatusOpen, d.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to record dispute: %w", err)
		}
		return nil
	})
}

// put claims key and runs the guarded upsert in one transaction. Zero rows
// affected means the stored record is not older than pos.
func (s *Postgres) put(ctx context.Context, key, entity, id string, pos domain.Position, query string, row interface{}, after ...func(tx *sqlx.Tx) error) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := claimKey(ctx, tx, key, entity, id, pos); err != nil {
			return err
		}

		res, err := tx.NamedExecContext(ctx, query, row)
		if err != nil {
			return fmt.Errorf("failed to upsert %s %s: %w", entity, id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return ErrStale
		}

		for _, fn := range after {
			if err := fn(tx); err != nil {
				return err
			}
		}
		return nil
	})
}

// claimKey inserts the idempotency key, failing with ErrDuplicate when a
// concurrent or earlier write already claimed it
func claimKey(ctx context.Context, tx *sqlx.Tx, key, entity, id string, pos domain.Position) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO applied_events (idempotency_key, entity_kind, entity_id, block_number, log_index)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key, entity, id, pos.Block, pos.Index)
	if err != nil {
		return fmt.Errorf("failed to record idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// ListEscrowAddresses returns escrows that can still emit events worth applying
func (s *Postgres) ListEscrowAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	if err := s.db.SelectContext(ctx, &addresses,
		`SELECT address FROM escrows WHERE NOT terminal ORDER BY address`); err != nil {
		return nil, fmt.Errorf("failed to list escrow addresses: %w", err)
	}
	return addresses, nil
}

func (s *Postgres) LoadSyncStatus(ctx context.Context, contract string) (domain.SyncStatus, error) {
	var row model.SyncStatus
	err := s.db.GetContext(ctx, &row, `
		SELECT contract_name, last_synced_block, last_synced_at, sync_errors, last_error
		FROM sync_status
		WHERE contract_name = $1
	`, contract)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SyncStatus{ContractName: contract}, nil
		}
		return domain.SyncStatus{}, fmt.Errorf("failed to load sync status: %w", err)
	}
	return row.Domain(), nil
}

func (s *Postgres) MarkSyncSucceeded(ctx context.Context, contract string, block uint64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (contract_name, last_synced_block, last_synced_at, sync_errors, last_error)
		VALUES ($1, $2, $3, 0, NULL)
		ON CONFLICT (contract_name) DO UPDATE SET
			last_synced_block = GREATEST(sync_status.last_synced_block, EXCLUDED.last_synced_block),
			last_synced_at = EXCLUDED.last_synced_at,
			sync_errors = 0,
			last_error = NULL
	`, contract, block, at)
	if err != nil {
		return fmt.Errorf("failed to mark sync succeeded: %w", err)
	}

	s.logger.Info("Checkpoint advanced",
		slog.String("contract", contract),
		slog.Uint64("last_synced_block", block),
	)
	return nil
}

func (s *Postgres) MarkSyncFailed(ctx context.Context, contract string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (contract_name, sync_errors, last_error)
		VALUES ($1, 1, $2)
		ON CONFLICT (contract_name) DO UPDATE SET
			sync_errors = sync_status.sync_errors + 1,
			last_error = EXCLUDED.last_error
	`, contract, msg)
	if err != nil {
		return fmt.Errorf("failed to mark sync failed: %w", err)
	}
	return nil
}

func (s *Postgres) AcquireLease(ctx context.Context, contract, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_status (contract_name, lease_owner, lease_expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (contract_name) DO UPDATE SET
			lease_owner = EXCLUDED.lease_owner,
			lease_expires_at = EXCLUDED.lease_expires_at
		WHERE sync_status.lease_owner IS NULL
		   OR sync_status.lease_expires_at < NOW()
		   OR sync_status.lease_owner = EXCLUDED.lease_owner
	`, contract, owner, ttl.Milliseconds())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Postgres) ReleaseLease(ctx context.Context, contract, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_status
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE contract_name = $1 AND lease_owner = $2
	`, contract, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
