// Package reconcile drives catch-up syncs from a contract's checkpoint to
// the chain head, and on-demand refreshes of single entities.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/lifecycle"
	"github.com/cuongbtq/escrow-sync/internal/worker/ingest"
	"github.com/cuongbtq/escrow-sync/internal/worker/internal/storage"
	"github.com/cuongbtq/escrow-sync/shared/postgresql"
)

const (
	// DefaultLeaseTTL outlives any sane run; an expired lease is taken over
	DefaultLeaseTTL = 10 * time.Minute
	// DefaultConcurrency bounds snapshot reads in flight
	DefaultConcurrency = 4
)

// ChainReader is the chain surface a reconciliation needs
type ChainReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
	FetchEvents(ctx context.Context, from, to uint64, escrows []string) ([]domain.Event, error)
	ReadJobSnapshot(ctx context.Context, jobID string, block uint64) (domain.Event, error)
	ReadEscrowSnapshot(ctx context.Context, address string, block uint64) (domain.Event, error)
	ReadProposalSnapshot(ctx context.Context, jobID, freelancer string, block uint64) (domain.Event, error)
	ReadOfferSnapshot(ctx context.Context, jobID string, block uint64) (domain.Event, error)
	AllApplicants(ctx context.Context, jobID string, block uint64) ([]chain.Applicant, error)
}

// Config configures a Reconciler
type Config struct {
	// Contracts lists the tracked contracts; escrows are scanned as part of
	// the JobBoard run since the board spawns them
	Contracts     []string
	StartBlock    uint64
	Confirmations uint64
	LeaseTTL      time.Duration
	Concurrency   int
	Logger        *slog.Logger
}

// Result is the outcome of one successful run
type Result struct {
	Contract        string        `json:"contract"`
	LastSyncedBlock uint64        `json:"lastSyncedBlock"`
	CurrentBlock    uint64        `json:"currentBlock"`
	Duration        time.Duration `json:"duration"`
	Events          int           `json:"events"`
	Applied         int           `json:"applied"`
}

// Reconciler owns the checkpoint of every tracked contract
type Reconciler struct {
	store    storage.Store
	reader   ChainReader
	ingestor *ingest.Ingestor
	cfg      Config
	owner    string
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a reconciler over store
func New(store storage.Store, reader ChainReader, cfg Config) *Reconciler {
	if len(cfg.Contracts) == 0 {
		cfg.Contracts = []string{chain.ContractJobBoard}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "reconciler"))

	return &Reconciler{
		store:    store,
		reader:   reader,
		ingestor: ingest.New(store, logger),
		cfg:      cfg,
		owner:    uuid.NewString(),
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// NewFromDB creates a reconciler writing to Postgres
func NewFromDB(pg *postgresql.Client, reader ChainReader, cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return New(storage.NewPostgres(pg, logger), reader, cfg)
}

// Contracts returns the tracked contract names
func (r *Reconciler) Contracts() []string {
	return append([]string(nil), r.cfg.Contracts...)
}

// Reconcile syncs contract from its checkpoint to the head
func (r *Reconciler) Reconcile(ctx context.Context, contract string) (Result, error) {
	return r.reconcile(ctx, contract, nil)
}

// ReconcileAll runs every tracked contract in turn
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Result, error) {
	return r.reconcileAll(ctx, nil)
}

func (r *Reconciler) reconcileAll(ctx context.Context, from *uint64) ([]Result, error) {
	var (
		results []Result
		errs    []error
	)
	for _, contract := range r.cfg.Contracts {
		res, err := r.reconcile(ctx, contract, from)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", contract, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (r *Reconciler) tracked(contract string) bool {
	for _, c := range r.cfg.Contracts {
		if c == contract {
			return true
		}
	}
	return false
}

// reconcile runs one contract. from overrides the checkpoint as the scan
// start; the checkpoint itself never moves backwards.
func (r *Reconciler) reconcile(ctx context.Context, contract string, from *uint64) (Result, error) {
	if !r.tracked(contract) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownContract, contract)
	}

	if !r.enter(contract) {
		return Result{}, ErrInProgress
	}
	defer r.leave(contract)

	ok, err := r.store.AcquireLease(ctx, contract, r.owner, r.cfg.LeaseTTL)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrInProgress
	}
	defer func() {
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), contract, r.owner); err != nil {
			r.logger.Warn("Failed to release lease", slog.String("contract", contract), slog.Any("error", err))
		}
	}()

	start := r.now()
	status, err := r.store.LoadSyncStatus(ctx, contract)
	if err != nil {
		return Result{}, err
	}

	fromBlock := status.LastSyncedBlock
	if fromBlock == 0 {
		fromBlock = r.cfg.StartBlock
	}
	if from != nil {
		fromBlock = *from
	}

	logger := r.logger.With(slog.String("contract", contract))
	logger.Info("Reconciliation started",
		slog.Uint64("from_block", fromBlock),
		slog.Uint64("last_synced_block", status.LastSyncedBlock),
	)

	res, err := r.run(ctx, fromBlock)
	res.Contract = contract
	if err != nil {
		perr := &PartialFailureError{Contract: contract, FromBlock: fromBlock, ToBlock: res.CurrentBlock, Applied: res.Applied, Err: err}
		if markErr := r.store.MarkSyncFailed(context.WithoutCancel(ctx), contract, perr); markErr != nil {
			logger.Error("Failed to record sync failure", slog.Any("error", markErr))
		}
		logger.Error("Reconciliation failed",
			slog.Uint64("from_block", fromBlock),
			slog.Uint64("to_block", res.CurrentBlock),
			slog.Int("applied", res.Applied),
			slog.Int("sync_errors", status.SyncErrors+1),
			slog.Any("error", err),
		)
		return Result{}, perr
	}

	// A head still inside the confirmation window is a successful empty run;
	// the checkpoint stays put but the error counter is cleared
	checkpoint := res.CurrentBlock
	if res.CurrentBlock < fromBlock {
		checkpoint = status.LastSyncedBlock
	}
	if err := r.store.MarkSyncSucceeded(ctx, contract, checkpoint, r.now()); err != nil {
		return Result{}, fmt.Errorf("failed to advance checkpoint: %w", err)
	}

	res.LastSyncedBlock = max(res.CurrentBlock, status.LastSyncedBlock)
	res.Duration = r.now().Sub(start)
	logger.Info("Reconciliation completed",
		slog.Uint64("last_synced_block", res.LastSyncedBlock),
		slog.Int("events", res.Events),
		slog.Int("applied", res.Applied),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

// run scans [from, head-confirmations], applies every event and then
// refreshes each touched entity from a field read at the same block
func (r *Reconciler) run(ctx context.Context, from uint64) (Result, error) {
	var res Result

	head, err := r.reader.CurrentBlock(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to get current block: %w", err)
	}
	if head < r.cfg.Confirmations {
		return res, nil
	}
	res.CurrentBlock = head - r.cfg.Confirmations
	if res.CurrentBlock < from {
		return res, nil
	}

	escrows, err := r.store.ListEscrowAddresses(ctx)
	if err != nil {
		return res, err
	}

	events, err := r.reader.FetchEvents(ctx, from, res.CurrentBlock, escrows)
	if err != nil {
		return res, err
	}
	res.Events = len(events)

	results, err := r.ingestor.ApplyAll(ctx, events)
	res.Applied = countApplied(results)
	if err != nil {
		return res, err
	}

	snapshots, err := r.readSnapshots(ctx, touched(events).reads(r.reader, res.CurrentBlock))
	if err != nil {
		return res, err
	}
	results, err = r.ingestor.ApplyAll(ctx, snapshots)
	res.Applied += countApplied(results)
	if err != nil {
		return res, err
	}

	return res, nil
}

func (r *Reconciler) enter(contract string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[contract]; busy {
		return false
	}
	r.inFlight[contract] = struct{}{}
	return true
}

func (r *Reconciler) leave(contract string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, contract)
}

// snapshotRead reads one or more entities at a pinned block
type snapshotRead func(ctx context.Context) ([]domain.Event, error)

// readSnapshots runs reads with bounded concurrency. Entities missing on
// chain or failing interpretation are skipped with a warning so one bad
// record cannot pin the checkpoint forever.
func (r *Reconciler) readSnapshots(ctx context.Context, reads []snapshotRead) ([]domain.Event, error) {
	out := make([][]domain.Event, len(reads))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i, read := range reads {
		g.Go(func() error {
			events, err := read(gctx)
			switch {
			case err == nil:
				out[i] = events
				return nil
			case skippable(err):
				r.logger.Warn("Skipping snapshot", slog.Any("error", err))
				return nil
			default:
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	var events []domain.Event
	for _, batch := range out {
		events = append(events, batch...)
	}
	return events, nil
}

func one(ev domain.Event, err error) ([]domain.Event, error) {
	if err != nil {
		return nil, err
	}
	return []domain.Event{ev}, nil
}

func skippable(err error) bool {
	return isNotFound(err) || errors.Is(err, lifecycle.ErrInconsistentTransition)
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrJobNotFound) ||
		errors.Is(err, domain.ErrEscrowNotFound) ||
		errors.Is(err, domain.ErrProposalNotFound) ||
		errors.Is(err, domain.ErrOfferNotFound)
}

func countApplied(results []ingest.Result) int {
	n := 0
	for _, r := range results {
		if r.Applied() {
			n++
		}
	}
	return n
}

type proposalRef struct {
	jobID      string
	freelancer string
}

// touchedSet collects the entities a batch of events touched, in first-seen order
type touchedSet struct {
	jobs      []string
	escrows   []string
	proposals []proposalRef
}

func touched(events []domain.Event) touchedSet {
	var (
		set       touchedSet
		jobs      = map[string]bool{}
		escrows   = map[string]bool{}
		proposals = map[proposalRef]bool{}
	)
	for _, ev := range events {
		if ev.JobID != "" && !jobs[ev.JobID] {
			jobs[ev.JobID] = true
			set.jobs = append(set.jobs, ev.JobID)
		}
		if ev.Escrow != "" && !escrows[ev.Escrow] {
			escrows[ev.Escrow] = true
			set.escrows = append(set.escrows, ev.Escrow)
		}
		if ev.Kind == domain.EventJobApplied {
			ref := proposalRef{jobID: ev.JobID, freelancer: ev.Actor}
			if !proposals[ref] {
				proposals[ref] = true
				set.proposals = append(set.proposals, ref)
			}
		}
	}
	return set
}

func (s touchedSet) reads(reader ChainReader, block uint64) []snapshotRead {
	reads := make([]snapshotRead, 0, 2*len(s.jobs)+len(s.escrows)+len(s.proposals))
	for _, id := range s.jobs {
		reads = append(reads, func(ctx context.Context) ([]domain.Event, error) {
			return one(reader.ReadJobSnapshot(ctx, id, block))
		})
		// Most jobs never get a direct offer
		reads = append(reads, func(ctx context.Context) ([]domain.Event, error) {
			ev, err := reader.ReadOfferSnapshot(ctx, id, block)
			if errors.Is(err, domain.ErrOfferNotFound) {
				return nil, nil
			}
			return one(ev, err)
		})
	}
	for _, addr := range s.escrows {
		reads = append(reads, func(ctx context.Context) ([]domain.Event, error) {
			return one(reader.ReadEscrowSnapshot(ctx, addr, block))
		})
	}
	for _, p := range s.proposals {
		reads = append(reads, func(ctx context.Context) ([]domain.Event, error) {
			return one(reader.ReadProposalSnapshot(ctx, p.jobID, p.freelancer, block))
		})
	}
	return reads
}
