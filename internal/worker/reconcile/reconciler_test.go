package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
	"github.com/cuongbtq/escrow-sync/internal/worker/internal/storage"
	"github.com/cuongbtq/escrow-sync/shared/logger"
)

const (
	client     = "0x00000000000000000000000000000000000000C1"
	freelancer = "0x00000000000000000000000000000000000000f1"
	escrowE    = "0x00000000000000000000000000000000000000e1"
	jobBoard   = "0x00000000000000000000000000000000000000B0"
)

func blockTime(block uint64) time.Time {
	return time.Unix(int64(1700000000+block*12), 0).UTC()
}

type fakeReader struct {
	mu         sync.Mutex
	head       uint64
	events     []domain.Event
	fetchErr   error
	fetches    [][2]uint64
	fetchGate  chan struct{}
	fetching   chan struct{}
	jobs       map[string]domain.Job
	escrows    map[string]domain.Escrow
	proposals  map[string]domain.Proposal
	offers     map[string]domain.DirectOffer
	applicants map[string][]chain.Applicant
}

func newFakeReader(head uint64) *fakeReader {
	return &fakeReader{
		head:       head,
		jobs:       map[string]domain.Job{},
		escrows:    map[string]domain.Escrow{},
		proposals:  map[string]domain.Proposal{},
		offers:     map[string]domain.DirectOffer{},
		applicants: map[string][]chain.Applicant{},
	}
}

func (f *fakeReader) CurrentBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeReader) FetchEvents(ctx context.Context, from, to uint64, _ []string) ([]domain.Event, error) {
	f.mu.Lock()
	f.fetches = append(f.fetches, [2]uint64{from, to})
	gate, fetching := f.fetchGate, f.fetching
	f.mu.Unlock()

	if fetching != nil {
		close(fetching)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []domain.Event
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeReader) ReadJobSnapshot(_ context.Context, jobID string, block uint64) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.Event{}, domain.ErrJobNotFound
	}
	return chain.JobSnapshot(job, block), nil
}

func (f *fakeReader) ReadEscrowSnapshot(_ context.Context, address string, block uint64) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.escrows[address]
	if !ok {
		return domain.Event{}, domain.ErrEscrowNotFound
	}
	return chain.EscrowSnapshot(e.Clone(), block), nil
}

func (f *fakeReader) ReadProposalSnapshot(_ context.Context, jobID, who string, block uint64) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.proposals[jobID+"/"+who]
	if !ok {
		return domain.Event{}, domain.ErrProposalNotFound
	}
	return chain.ProposalSnapshot(p, block), nil
}

func (f *fakeReader) ReadOfferSnapshot(_ context.Context, jobID string, block uint64) (domain.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.offers[jobID]
	if !ok {
		return domain.Event{}, domain.ErrOfferNotFound
	}
	return chain.OfferSnapshot(o, block), nil
}

func (f *fakeReader) AllApplicants(_ context.Context, jobID string, _ uint64) ([]chain.Applicant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applicants[jobID], nil
}

func logEvent(kind domain.EventKind, block uint64, fill func(*domain.Event)) domain.Event {
	ev := domain.Event{
		Kind:        kind,
		BlockNumber: block,
		BlockTime:   blockTime(block),
		TxHash:      fmt.Sprintf("0x%064x", block),
		JobID:       "1",
	}
	fill(&ev)
	return ev
}

// seedHiredJob configures a job hired at block 105 and delivered at 110
func seedHiredJob(f *fakeReader) {
	f.events = []domain.Event{
		logEvent(domain.EventJobPosted, 100, func(ev *domain.Event) {
			ev.Actor = client
			ev.Title = "Smart contract audit"
		}),
		logEvent(domain.EventJobApplied, 102, func(ev *domain.Event) {
			ev.Actor = freelancer
			ev.Amount = big.NewInt(400)
		}),
		logEvent(domain.EventJobHired, 105, func(ev *domain.Event) {
			ev.Actor = freelancer
			ev.Escrow = escrowE
		}),
		logEvent(domain.EventWorkDelivered, 110, func(ev *domain.Event) {
			ev.Escrow = escrowE
			ev.URI = "ipfs://bafy-delivery-1"
			ev.Version = 1
			ev.Timestamp = blockTime(110)
		}),
	}
	f.jobs["1"] = domain.Job{
		JobID:           "1",
		Client:          client,
		Title:           "Smart contract audit",
		BudgetUSDC:      big.NewInt(500),
		Status:          domain.JobStatusHired,
		HiredFreelancer: freelancer,
		EscrowAddress:   escrowE,
		CreatedAt:       blockTime(100),
		UpdatedAt:       blockTime(105),
		PostingBond:     big.NewInt(0),
	}
	f.escrows[escrowE] = domain.Escrow{
		Address:         escrowE,
		JobID:           "1",
		Delivered:       true,
		DeliveryHistory: []domain.Delivery{{URI: "ipfs://bafy-delivery-1", Timestamp: blockTime(110), Version: 1}},
	}
	f.proposals["1/"+freelancer] = domain.Proposal{
		JobID:      "1",
		Freelancer: freelancer,
		AppliedAt:  blockTime(102),
		BidAmount:  big.NewInt(400),
	}
	f.applicants["1"] = []chain.Applicant{{Freelancer: freelancer, AppliedAt: blockTime(102)}}
}

func newTestReconciler(store storage.Store, reader ChainReader, cfg Config) *Reconciler {
	cfg.Logger = logger.NewDiscard().Logger
	return New(store, reader, cfg)
}

func TestReconcile_AdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	reader := newFakeReader(205)
	seedHiredJob(reader)

	r := newTestReconciler(store, reader, Config{StartBlock: 90, Confirmations: 5})
	res, err := r.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)

	assert.Equal(t, chain.ContractJobBoard, res.Contract)
	assert.Equal(t, uint64(200), res.CurrentBlock)
	assert.Equal(t, uint64(200), res.LastSyncedBlock)
	assert.Equal(t, 4, res.Events)
	assert.Equal(t, [][2]uint64{{90, 200}}, reader.fetches)

	status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), status.LastSyncedBlock)
	assert.Equal(t, 0, status.SyncErrors)
	assert.NotNil(t, status.LastSyncedAt)

	// Touched entities are refreshed from field reads at the scanned head
	job, err := store.GetJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusHired, job.Value.Status)
	assert.Equal(t, domain.Position{Block: 200, Index: domain.SnapshotIndex}, job.Position)

	escrow, err := store.GetEscrow(ctx, escrowE)
	require.NoError(t, err)
	assert.Len(t, escrow.Value.DeliveryHistory, 1)
	assert.Equal(t, uint64(200), escrow.Position.Block)

	proposal, err := store.GetProposal(ctx, "1", freelancer)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), proposal.Position.Block)

	// A job without a direct offer is not an error
	_, err = store.GetOffer(ctx, "1")
	assert.ErrorIs(t, err, cache.ErrMiss)

	// The next run starts from the checkpoint and replays nothing new
	reader.head = 215
	res, err = r.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(210), res.LastSyncedBlock)
	assert.Equal(t, [2]uint64{200, 210}, reader.fetches[1])
}

func TestReconcile_RefreshesDirectOffers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	reader := newFakeReader(205)
	seedHiredJob(reader)
	reader.offers["1"] = domain.DirectOffer{
		JobID:        "1",
		Client:       client,
		Freelancer:   freelancer,
		BudgetUSDT:   big.NewInt(250),
		DeliveryDays: 14,
		Accepted:     true,
	}

	r := newTestReconciler(store, reader, Config{StartBlock: 90, Confirmations: 5})
	_, err := r.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)

	offer, err := store.GetOffer(ctx, "1")
	require.NoError(t, err)
	assert.True(t, offer.Value.Accepted)
	assert.Equal(t, freelancer, offer.Value.Freelancer)
	assert.Equal(t, 0, offer.Value.BudgetUSDT.Cmp(big.NewInt(250)))
	assert.Equal(t, domain.Position{Block: 200, Index: domain.SnapshotIndex}, offer.Position)
}

func TestReconcile_HeadInsideConfirmationWindow(t *testing.T) {
	tests := []struct {
		name string
		head uint64
	}{
		{name: "head below checkpoint plus confirmations", head: 102},
		{name: "head below confirmations", head: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemory()
			require.NoError(t, store.MarkSyncSucceeded(ctx, chain.ContractJobBoard, 100, time.Unix(0, 0)))
			require.NoError(t, store.MarkSyncFailed(ctx, chain.ContractJobBoard, errors.New("provider lagging")))

			reader := newFakeReader(tt.head)
			r := newTestReconciler(store, reader, Config{Confirmations: 5})

			res, err := r.Reconcile(ctx, chain.ContractJobBoard)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), res.LastSyncedBlock)
			assert.Empty(t, reader.fetches)

			status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
			require.NoError(t, err)
			assert.Equal(t, uint64(100), status.LastSyncedBlock)
			assert.Equal(t, 0, status.SyncErrors)
			assert.Nil(t, status.LastError)
			require.NotNil(t, status.LastSyncedAt)
			assert.True(t, status.LastSyncedAt.After(time.Unix(0, 0)))
		})
	}
}

type flakyStore struct {
	*storage.Memory
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) PutEscrow(ctx context.Context, key string, e domain.Escrow, pos domain.Position) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset by peer")
	}
	return s.Memory.PutEscrow(ctx, key, e, pos)
}

func TestReconcile_CheckpointAtomicity(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Memory: storage.NewMemory(), fail: true}
	require.NoError(t, store.MarkSyncSucceeded(ctx, chain.ContractJobBoard, 100, time.Now()))

	reader := newFakeReader(200)
	seedHiredJob(reader)
	r := newTestReconciler(store, reader, Config{})

	_, err := r.Reconcile(ctx, chain.ContractJobBoard)
	require.Error(t, err)

	var perr *PartialFailureError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, uint64(100), perr.FromBlock)
	assert.Equal(t, uint64(200), perr.ToBlock)
	assert.Equal(t, 2, perr.Applied, "events before the failing escrow write landed")

	status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), status.LastSyncedBlock)
	assert.Equal(t, 1, status.SyncErrors)
	require.NotNil(t, status.LastError)
	assert.Contains(t, *status.LastError, "connection reset by peer")

	// The retry replays the same range and converges
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	res, err := r.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), res.LastSyncedBlock)

	status, err = store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, 0, status.SyncErrors)
	assert.Nil(t, status.LastError)
}

func TestReconcile_FetchFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.MarkSyncSucceeded(ctx, chain.ContractJobBoard, 100, time.Now()))

	reader := newFakeReader(200)
	reader.fetchErr = rpc.ErrRPCExhausted
	r := newTestReconciler(store, reader, Config{})

	_, err := r.Reconcile(ctx, chain.ContractJobBoard)
	require.Error(t, err)
	assert.ErrorIs(t, err, rpc.ErrRPCExhausted)

	status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), status.LastSyncedBlock)
	assert.Equal(t, 1, status.SyncErrors)
}

// rpcClient is a provider that either stalls until its attempt times out or
// answers with an empty chain at head
type rpcClient struct {
	stall bool
	head  uint64
}

func (c *rpcClient) wait(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *rpcClient) BlockNumber(ctx context.Context) (uint64, error) {
	if c.stall {
		return 0, c.wait(ctx)
	}
	return c.head, nil
}

func (c *rpcClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if c.stall {
		return nil, c.wait(ctx)
	}
	return &types.Header{Number: number, Time: uint64(blockTime(number.Uint64()).Unix())}, nil
}

func (c *rpcClient) CallContract(ctx context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if c.stall {
		return nil, c.wait(ctx)
	}
	return nil, nil
}

func (c *rpcClient) FilterLogs(ctx context.Context, _ ethereum.FilterQuery) ([]types.Log, error) {
	if c.stall {
		return nil, c.wait(ctx)
	}
	return nil, nil
}

func TestReconcile_ScenarioC_FallbackResetsErrors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.MarkSyncFailed(ctx, chain.ContractJobBoard, errors.New("previous run failed")))

	router, err := rpc.NewRouter([]rpc.Provider{
		{Name: "provider-a", Client: &rpcClient{stall: true}},
		{Name: "provider-b", Client: &rpcClient{head: 200}},
	}, rpc.Config{
		Backoff:        time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
		Logger:         logger.NewDiscard().Logger,
	})
	require.NoError(t, err)

	reader, err := chain.NewReader(router, chain.Config{JobBoardAddress: jobBoard, Logger: logger.NewDiscard().Logger})
	require.NoError(t, err)

	r := newTestReconciler(store, reader, Config{})
	res, err := r.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), res.LastSyncedBlock)
	assert.Equal(t, uint64(200), res.CurrentBlock)
	assert.Equal(t, "provider-b", router.Current())

	status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), status.LastSyncedBlock)
	assert.Equal(t, 0, status.SyncErrors)
	assert.Nil(t, status.LastError)
}

func TestReconcile_ConcurrentGuard(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	reader := newFakeReader(200)
	reader.fetchGate = make(chan struct{})
	reader.fetching = make(chan struct{})

	r := newTestReconciler(store, reader, Config{})
	other := newTestReconciler(store, reader, Config{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Reconcile(ctx, chain.ContractJobBoard)
		done <- err
	}()
	<-reader.fetching

	_, err := r.Reconcile(ctx, chain.ContractJobBoard)
	assert.ErrorIs(t, err, ErrInProgress, "same process")

	_, err = other.Reconcile(ctx, chain.ContractJobBoard)
	assert.ErrorIs(t, err, ErrInProgress, "another instance holding the lease")

	close(reader.fetchGate)
	require.NoError(t, <-done)

	// Both guards are released once the run finishes
	reader.mu.Lock()
	reader.fetchGate, reader.fetching = nil, nil
	reader.mu.Unlock()
	_, err = other.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)

	status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, 0, status.SyncErrors, "a rejected trigger is not a failed run")
}

func TestReconcile_UnknownContract(t *testing.T) {
	r := newTestReconciler(storage.NewMemory(), newFakeReader(1), Config{})
	_, err := r.Reconcile(context.Background(), "Treasury")
	assert.ErrorIs(t, err, ErrUnknownContract)
}

func TestSyncEntity_AllWithFromBlockNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.MarkSyncSucceeded(ctx, chain.ContractJobBoard, 150, time.Now()))

	reader := newFakeReader(120)
	seedHiredJob(reader)
	r := newTestReconciler(store, reader, Config{})

	from := uint64(10)
	out, err := r.SyncEntity(ctx, Request{Type: SyncAll, FromBlock: &from})
	require.NoError(t, err)
	require.Len(t, out.Reconciled, 1)
	assert.Equal(t, uint64(150), out.Reconciled[0].LastSyncedBlock)
	assert.Equal(t, [][2]uint64{{10, 120}}, reader.fetches)

	status, err := store.LoadSyncStatus(ctx, chain.ContractJobBoard)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), status.LastSyncedBlock)

	_, err = store.GetJob(ctx, "1")
	require.NoError(t, err, "rescan applied the older events")
}

func TestSyncEntity(t *testing.T) {
	tests := []struct {
		name          string
		req           Request
		wantErr       error
		wantSnapshots int
	}{
		{name: "job with escrow, offer and applicants", req: Request{Type: SyncJob, JobID: "1"}, wantSnapshots: 4},
		{name: "job by id shorthand", req: Request{Type: SyncJob, ID: "1"}, wantSnapshots: 4},
		{name: "escrow", req: Request{Type: SyncEscrow, EscrowAddress: escrowE}, wantSnapshots: 1},
		{name: "escrow address in any case", req: Request{Type: SyncEscrow, ID: "0x00000000000000000000000000000000000000E1"}, wantSnapshots: 1},
		{name: "one proposal", req: Request{Type: SyncProposal, JobID: "1", FreelancerAddress: freelancer}, wantSnapshots: 1},
		{name: "all proposals of a job", req: Request{Type: SyncProposal, JobID: "1"}, wantSnapshots: 1},
		{name: "unknown job", req: Request{Type: SyncJob, JobID: "404"}, wantErr: domain.ErrJobNotFound},
		{name: "unknown escrow", req: Request{Type: SyncEscrow, EscrowAddress: "0x00000000000000000000000000000000000000E9"}, wantErr: domain.ErrEscrowNotFound},
		{name: "missing type", req: Request{}, wantErr: ErrInvalidRequest},
		{name: "unknown type", req: Request{Type: "wallet"}, wantErr: ErrInvalidRequest},
		{name: "bad job id", req: Request{Type: SyncJob, JobID: "abc"}, wantErr: ErrInvalidRequest},
		{name: "bad address", req: Request{Type: SyncEscrow, EscrowAddress: "0x123"}, wantErr: ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemory()
			reader := newFakeReader(300)
			seedHiredJob(reader)
			reader.offers["1"] = domain.DirectOffer{JobID: "1", Client: client, Freelancer: freelancer, BudgetUSDT: big.NewInt(1)}

			r := newTestReconciler(store, reader, Config{})
			out, err := r.SyncEntity(ctx, tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint64(300), out.Block)
			assert.Equal(t, tt.wantSnapshots, out.Snapshots)
			assert.Equal(t, tt.wantSnapshots, out.Applied)
		})
	}
}

func TestSyncEntity_Profile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	reader := newFakeReader(300)
	seedHiredJob(reader)
	r := newTestReconciler(store, reader, Config{})

	// A freelancer with nothing cached has nothing to refresh
	out, err := r.SyncEntity(ctx, Request{Type: SyncProfile, FreelancerAddress: freelancer})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Snapshots)

	_, err = r.Reconcile(ctx, chain.ContractJobBoard)
	require.NoError(t, err)

	reader.mu.Lock()
	reader.head = 310
	reader.mu.Unlock()
	out, err = r.SyncEntity(ctx, Request{Type: SyncProfile, ID: freelancer})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Snapshots, "the proposal and its job")

	p, err := store.GetProposal(ctx, "1", freelancer)
	require.NoError(t, err)
	assert.Equal(t, uint64(310), p.Position.Block)
}
