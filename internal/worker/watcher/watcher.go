// Package watcher follows the chain head and publishes every confirmed
// JobBoard and Escrow event to the broker for the consumer pool to apply.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
	"github.com/cuongbtq/escrow-sync/internal/worker/internal/storage"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
)

// DefaultInterval is the head polling period
const DefaultInterval = 12 * time.Second

// ChainReader is the chain surface the watcher polls
type ChainReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, to uint64, escrows []string) ([]domain.Event, error)
}

// Publisher delivers one event to the consumers
type Publisher interface {
	PublishJSON(ctx context.Context, messageID string, v any) error
}

// Checkpoints is the read side of the sync store the watcher starts from
type Checkpoints interface {
	LoadSyncStatus(ctx context.Context, contract string) (domain.SyncStatus, error)
	ListEscrowAddresses(ctx context.Context) ([]string, error)
}

// Config configures a Watcher
type Config struct {
	Interval      time.Duration
	Confirmations uint64
	StartBlock    uint64
	Logger        *slog.Logger
}

// Watcher polls for new blocks. It keeps its own cursor in memory and never
// moves the reconciliation checkpoint; a restart rescans from the checkpoint
// and the ingestor drops the redelivered events as duplicates.
type Watcher struct {
	reader        ChainReader
	publisher     Publisher
	checkpoints   Checkpoints
	interval      time.Duration
	confirmations uint64
	startBlock    uint64
	logger        *slog.Logger

	next    uint64
	escrows map[string]struct{}
}

// New creates a watcher
func New(reader ChainReader, publisher Publisher, checkpoints Checkpoints, cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		reader:        reader,
		publisher:     publisher,
		checkpoints:   checkpoints,
		interval:      cfg.Interval,
		confirmations: cfg.Confirmations,
		startBlock:    cfg.StartBlock,
		logger:        logger.With(slog.String("component", "watcher")),
		escrows:       make(map[string]struct{}),
	}
}

// NewFromDB creates a watcher reading its starting point from the Postgres cache
func NewFromDB(pg *postgresql.Client, reader ChainReader, publisher Publisher, cfg Config) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return New(reader, publisher, storage.NewPostgres(pg, logger), cfg)
}

// Run polls until ctx is cancelled. A failed poll is logged and retried on
// the next tick from the same block.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.init(ctx); err != nil {
		return err
	}

	w.logger.Info("Watcher started",
		slog.Uint64("from_block", w.next),
		slog.Duration("interval", w.interval),
		slog.Uint64("confirmations", w.confirmations),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Watcher stopped", slog.Uint64("next_block", w.next))
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	err := w.poll(ctx)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, rpc.ErrRPCExhausted):
		w.logger.Warn("No fresh chain data, retrying next tick",
			slog.Uint64("next_block", w.next),
			slog.Any("error", err),
		)
	default:
		w.logger.Error("Poll failed",
			slog.Uint64("next_block", w.next),
			slog.Any("error", err),
		)
	}
}

// init positions the cursor on the JobBoard checkpoint
func (w *Watcher) init(ctx context.Context) error {
	status, err := w.checkpoints.LoadSyncStatus(ctx, chain.ContractJobBoard)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	w.next = status.LastSyncedBlock
	if w.next == 0 {
		w.next = w.startBlock
	}
	return nil
}

// poll publishes the events of [next, head-confirmations] and moves the
// cursor past them only when every publish succeeded
func (w *Watcher) poll(ctx context.Context) error {
	head, err := w.reader.CurrentBlock(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current block: %w", err)
	}
	if head < w.confirmations {
		return nil
	}
	target := head - w.confirmations
	if target < w.next {
		return nil
	}

	escrows, err := w.escrowAddresses(ctx)
	if err != nil {
		return err
	}

	events, err := w.reader.FetchEvents(ctx, w.next, target, escrows)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := w.publisher.PublishJSON(ctx, ev.IdempotencyKey(), ev); err != nil {
			return fmt.Errorf("failed to publish %s: %w", ev.IdempotencyKey(), err)
		}
	}
	w.track(events)

	w.logger.Debug("Blocks scanned",
		slog.Uint64("from_block", w.next),
		slog.Uint64("to_block", target),
		slog.Int("events", len(events)),
	)
	w.next = target + 1
	return nil
}

// escrowAddresses merges the stored open escrows with the ones hired since
// startup, which the consumers may not have applied yet
func (w *Watcher) escrowAddresses(ctx context.Context) ([]string, error) {
	stored, err := w.checkpoints.ListEscrowAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list escrows: %w", err)
	}
	out := append([]string(nil), stored...)
	for addr := range w.escrows {
		out = append(out, addr)
	}
	return out, nil
}

func (w *Watcher) track(events []domain.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case domain.EventJobHired:
			if ev.Escrow != "" {
				w.escrows[ev.Escrow] = struct{}{}
			}
		case domain.EventPaid, domain.EventRefunded:
			delete(w.escrows, ev.Escrow)
		}
	}
}
