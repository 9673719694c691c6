package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/escrow-sync/internal/api/dto"
	"github.com/cuongbtq/escrow-sync/internal/api/handler"
	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/chain"
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/metadata"
	"github.com/cuongbtq/escrow-sync/internal/rpc"
	"github.com/cuongbtq/escrow-sync/internal/worker/reconcile"
	"github.com/cuongbtq/escrow-sync/shared/logger"
)

const (
	secret  = "cron-secret"
	escrowA = "0x00000000000000000000000000000000000000e1"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCache struct {
	jobs     map[string]cache.Record[domain.Job]
	list     []cache.Record[domain.Job]
	filters  []cache.JobFilter
	escrows  map[string]cache.Record[domain.Escrow]
	disputes map[string][]domain.Dispute
	statuses []domain.SyncStatus
}

func (f *fakeCache) GetJob(_ context.Context, jobID string) (cache.Record[domain.Job], error) {
	rec, ok := f.jobs[jobID]
	if !ok {
		return rec, cache.ErrMiss
	}
	return rec, nil
}

func (f *fakeCache) ListJobs(_ context.Context, filter cache.JobFilter) ([]cache.Record[domain.Job], error) {
	f.filters = append(f.filters, filter)
	return f.list, nil
}

func (f *fakeCache) GetEscrow(_ context.Context, address string) (cache.Record[domain.Escrow], error) {
	rec, ok := f.escrows[address]
	if !ok {
		return rec, cache.ErrMiss
	}
	return rec, nil
}

func (f *fakeCache) GetProposal(context.Context, string, string) (cache.Record[domain.Proposal], error) {
	return cache.Record[domain.Proposal]{}, cache.ErrMiss
}

func (f *fakeCache) ListProposals(context.Context, string) ([]cache.Record[domain.Proposal], error) {
	return []cache.Record[domain.Proposal]{{Value: domain.Proposal{JobID: "7", Freelancer: "0xf1", BidAmount: big.NewInt(90)}}}, nil
}

func (f *fakeCache) GetOffer(context.Context, string) (cache.Record[domain.DirectOffer], error) {
	return cache.Record[domain.DirectOffer]{}, cache.ErrMiss
}

func (f *fakeCache) ListDisputes(_ context.Context, address string) ([]domain.Dispute, error) {
	return f.disputes[address], nil
}

func (f *fakeCache) ListSyncStatus(context.Context) ([]domain.SyncStatus, error) {
	return f.statuses, nil
}

type fakeChain struct {
	jobs  map[string]domain.Job
	err   error
	calls atomic.Int32
}

func (f *fakeChain) ReadJobSnapshot(_ context.Context, jobID string, block uint64) (domain.Event, error) {
	f.calls.Add(1)
	if f.err != nil {
		return domain.Event{}, f.err
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return domain.Event{}, domain.ErrJobNotFound
	}
	return chain.JobSnapshot(job, 1000), nil
}

func (f *fakeChain) ReadEscrowSnapshot(context.Context, string, uint64) (domain.Event, error) {
	f.calls.Add(1)
	return domain.Event{}, rpc.ErrRPCExhausted
}

func (f *fakeChain) ReadOfferSnapshot(_ context.Context, jobID string, _ uint64) (domain.Event, error) {
	f.calls.Add(1)
	return chain.OfferSnapshot(domain.DirectOffer{JobID: jobID, BudgetUSDT: big.NewInt(250), Accepted: true}, 1000), nil
}

type fakeSyncer struct {
	results []reconcile.Result
	err     error
	req     reconcile.Request
}

func (f *fakeSyncer) Reconcile(_ context.Context, contract string) (reconcile.Result, error) {
	if f.err != nil {
		return reconcile.Result{}, f.err
	}
	res := f.results[0]
	res.Contract = contract
	return res, nil
}

func (f *fakeSyncer) ReconcileAll(context.Context) ([]reconcile.Result, error) {
	return f.results, f.err
}

func (f *fakeSyncer) SyncEntity(_ context.Context, req reconcile.Request) (reconcile.SyncResult, error) {
	f.req = req
	return reconcile.SyncResult{Type: req.Type, Block: 1000, Snapshots: 3, Applied: 2}, f.err
}

type fakeFetcher struct {
	err error
}

func (f fakeFetcher) Fetch(_ context.Context, uri string) (metadata.Document, error) {
	if f.err != nil {
		return metadata.Document{}, &metadata.FetchError{URI: uri, Err: f.err}
	}
	return metadata.Document{URI: uri, Title: "Audit", Description: "Review two contracts"}, nil
}

type fixture struct {
	cache  *fakeCache
	chain  *fakeChain
	syncer *fakeSyncer
	deps   *handler.Dependencies
}

func newFixture() *fixture {
	f := &fixture{
		cache: &fakeCache{
			jobs:     map[string]cache.Record[domain.Job]{},
			escrows:  map[string]cache.Record[domain.Escrow]{},
			disputes: map[string][]domain.Dispute{},
		},
		chain:  &fakeChain{jobs: map[string]domain.Job{}},
		syncer: &fakeSyncer{results: []reconcile.Result{{Contract: chain.ContractJobBoard, LastSyncedBlock: 200, CurrentBlock: 200, Duration: 1500 * time.Millisecond}}},
	}
	f.deps = &handler.Dependencies{
		Logger:     logger.NewDiscard().Logger,
		Cache:      f.cache,
		Chain:      f.chain,
		Metadata:   fakeFetcher{},
		Syncer:     f.syncer,
		Policy:     cache.Policy{Enabled: true, TTL: 5 * time.Minute, Grace: time.Minute, Now: func() time.Time { return now }},
		CronSecret: secret,
	}
	return f
}

func (f *fixture) do(t *testing.T, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := SetupRouter(f.deps)

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func job(id string, status domain.JobStatus) domain.Job {
	j := domain.Job{
		JobID:          id,
		Client:         "0x00000000000000000000000000000000000000C1",
		Title:          "Audit",
		DescriptionURI: "ipfs://bafy-job",
		BudgetUSDC:     big.NewInt(500),
		Status:         status,
		CreatedAt:      now.Add(-48 * time.Hour),
		ExpiresAt:      now.Add(24 * time.Hour),
		PostingBond:    big.NewInt(5),
	}
	if status == domain.JobStatusHired {
		j.EscrowAddress = escrowA
	}
	return j
}

type fakeHealth struct{ err error }

func (f fakeHealth) HealthCheck(context.Context) error { return f.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		health   handler.HealthChecker
		wantCode int
	}{
		{name: "no probe", wantCode: http.StatusOK},
		{name: "database up", health: fakeHealth{}, wantCode: http.StatusOK},
		{name: "database down", health: fakeHealth{err: errors.New("connection refused")}, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.deps.Health = tt.health

			w := f.do(t, http.MethodGet, "/health", "", "")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
		})
	}
}

func TestRequestIDIsEchoed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := SetupRouter(newFixture().deps)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}

func TestGetJob(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		target     string
		wantCode   int
		wantSource cache.Source
		wantStatus domain.JobStatus
		liveCalls  int32
	}{
		{
			name: "fresh record is served from cache",
			setup: func(f *fixture) {
				f.cache.jobs["7"] = cache.Record[domain.Job]{Value: job("7", domain.JobStatusOpen), SyncedAt: now.Add(-time.Minute)}
			},
			target: "/api/v1/jobs/7", wantCode: http.StatusOK, wantSource: cache.SourceCache, wantStatus: domain.JobStatusOpen,
		},
		{
			name: "record within grace is served stale without a live read",
			setup: func(f *fixture) {
				f.cache.jobs["7"] = cache.Record[domain.Job]{Value: job("7", domain.JobStatusOpen), SyncedAt: now.Add(-5*time.Minute - 30*time.Second)}
			},
			target: "/api/v1/jobs/7", wantCode: http.StatusOK, wantSource: cache.SourceStaleCache, wantStatus: domain.JobStatusOpen,
		},
		{
			name: "expired record reads live",
			setup: func(f *fixture) {
				f.cache.jobs["7"] = cache.Record[domain.Job]{Value: job("7", domain.JobStatusOpen), SyncedAt: now.Add(-time.Hour)}
				f.chain.jobs["7"] = job("7", domain.JobStatusHired)
			},
			target: "/api/v1/jobs/7", wantCode: http.StatusOK, wantSource: cache.SourceChain, wantStatus: domain.JobStatusHired, liveCalls: 1,
		},
		{
			name: "live failure falls back to the stale record",
			setup: func(f *fixture) {
				f.cache.jobs["7"] = cache.Record[domain.Job]{Value: job("7", domain.JobStatusOpen), SyncedAt: now.Add(-time.Hour)}
				f.chain.err = rpc.ErrRPCExhausted
			},
			target: "/api/v1/jobs/7", wantCode: http.StatusOK, wantSource: cache.SourceStaleCache, wantStatus: domain.JobStatusOpen, liveCalls: 1,
		},
		{
			name: "open job past expiry is reported expired",
			setup: func(f *fixture) {
				j := job("7", domain.JobStatusOpen)
				j.ExpiresAt = now.Add(-time.Second)
				f.cache.jobs["7"] = cache.Record[domain.Job]{Value: j, SyncedAt: now}
			},
			target: "/api/v1/jobs/7", wantCode: http.StatusOK, wantSource: cache.SourceCache, wantStatus: domain.JobStatusExpired,
		},
		{
			name: "kill switch always reads live",
			setup: func(f *fixture) {
				f.deps.Policy.Enabled = false
				f.cache.jobs["7"] = cache.Record[domain.Job]{Value: job("7", domain.JobStatusOpen), SyncedAt: now}
				f.chain.jobs["7"] = job("7", domain.JobStatusHired)
			},
			target: "/api/v1/jobs/7", wantCode: http.StatusOK, wantSource: cache.SourceChain, wantStatus: domain.JobStatusHired, liveCalls: 1,
		},
		{name: "unknown job", setup: func(f *fixture) {}, target: "/api/v1/jobs/404", wantCode: http.StatusNotFound, liveCalls: 1},
		{name: "both sources down", setup: func(f *fixture) { f.chain.err = rpc.ErrRPCExhausted }, target: "/api/v1/jobs/7", wantCode: http.StatusServiceUnavailable, liveCalls: 1},
		{name: "malformed id", setup: func(f *fixture) {}, target: "/api/v1/jobs/abc", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			tt.setup(f)

			w := f.do(t, http.MethodGet, tt.target, "", "")
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.liveCalls, f.chain.calls.Load())
			if tt.wantCode != http.StatusOK {
				return
			}

			out := decode[dto.JobDTO](t, w)
			assert.Equal(t, tt.wantSource, out.Source)
			assert.Equal(t, tt.wantSource == cache.SourceStaleCache, out.Stale)
			assert.Equal(t, tt.wantStatus, out.Status)
			assert.Equal(t, "500", out.BudgetUSDC)
			assert.Nil(t, out.Metadata)
		})
	}
}

func TestGetJob_ExpandMetadata(t *testing.T) {
	tests := []struct {
		name         string
		fetchErr     error
		wantTitle    string
		wantFallback bool
	}{
		{name: "resolved", wantTitle: "Audit"},
		{name: "gateway down", fetchErr: errors.New("gateway timeout"), wantFallback: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.deps.Metadata = fakeFetcher{err: tt.fetchErr}
			f.cache.jobs["7"] = cache.Record[domain.Job]{Value: job("7", domain.JobStatusOpen), SyncedAt: now}

			w := f.do(t, http.MethodGet, "/api/v1/jobs/7?expand=metadata", "", "")
			require.Equal(t, http.StatusOK, w.Code)

			out := decode[dto.JobDTO](t, w)
			require.NotNil(t, out.Metadata)
			assert.Equal(t, "ipfs://bafy-job", out.Metadata.URI)
			assert.Equal(t, tt.wantTitle, out.Metadata.Title)
			assert.Equal(t, tt.wantFallback, out.Metadata.Fallback)
		})
	}
}

func TestListJobs(t *testing.T) {
	f := newFixture()
	f.cache.list = []cache.Record[domain.Job]{
		{Value: job("9", domain.JobStatusOpen), SyncedAt: now},
		{Value: job("8", domain.JobStatusOpen), SyncedAt: now.Add(-time.Hour)},
		{Value: job("7", domain.JobStatusOpen), SyncedAt: now},
	}

	w := f.do(t, http.MethodGet, "/api/v1/jobs?page_size=2&status=OPEN&client=0x00000000000000000000000000000000000000c1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode[dto.ListJobsResponse](t, w)
	require.Len(t, out.Jobs, 2)
	assert.Equal(t, "9", out.Jobs[0].JobID)
	assert.False(t, out.Jobs[0].Stale)
	assert.True(t, out.Jobs[1].Stale, "listings never read live")
	require.NotEmpty(t, out.NextCursor)

	cursor, err := handler.DecodeJobCursor(out.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "8", cursor.JobID)

	require.Len(t, f.cache.filters, 1)
	assert.Equal(t, domain.JobStatusOpen, f.cache.filters[0].Status)
	assert.Equal(t, "0x00000000000000000000000000000000000000C1", f.cache.filters[0].Client)
	assert.Equal(t, 2, f.cache.filters[0].PageSize)
	assert.Zero(t, f.chain.calls.Load())
}

func TestListJobs_BadRequests(t *testing.T) {
	for _, target := range []string{
		"/api/v1/jobs?status=PAUSED",
		"/api/v1/jobs?client=bob",
		"/api/v1/jobs?cursor=not-base64!",
		"/api/v1/jobs?page_size=ten",
	} {
		t.Run(target, func(t *testing.T) {
			w := newFixture().do(t, http.MethodGet, target, "", "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestListProposals(t *testing.T) {
	w := newFixture().do(t, http.MethodGet, "/api/v1/jobs/7/proposals", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode[dto.ListProposalsResponse](t, w)
	require.Len(t, out.Proposals, 1)
	assert.Equal(t, "90", out.Proposals[0].BidAmount)
}

func TestGetEscrow(t *testing.T) {
	f := newFixture()
	f.cache.escrows[escrowA] = cache.Record[domain.Escrow]{
		Value: domain.Escrow{
			Address:   escrowA,
			JobID:     "7",
			Delivered: true,
			Disputed:  true,
			DeliveryHistory: []domain.Delivery{
				{URI: "ipfs://v1", Version: 1, Timestamp: now.Add(-2 * time.Hour)},
				{URI: "ipfs://v2", Version: 2, Timestamp: now.Add(-time.Hour)},
			},
		},
		SyncedAt: now.Add(-time.Hour),
	}
	f.cache.disputes[escrowA] = []domain.Dispute{{EscrowAddress: escrowA, JobID: "7", Status: domain.DisputeStatusOpen}}

	// The live read fails, so the stale record is served
	w := f.do(t, http.MethodGet, "/api/v1/escrows/0x00000000000000000000000000000000000000E1", "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	out := decode[dto.EscrowDTO](t, w)
	assert.Equal(t, "DISPUTED", string(out.Phase))
	require.NotNil(t, out.LatestDelivery)
	assert.Equal(t, uint64(2), out.LatestDelivery.Version)
	assert.Len(t, out.DeliveryHistory, 2)
	assert.Len(t, out.Disputes, 1)
	assert.True(t, out.Stale)
}

func TestGetEscrow_Unavailable(t *testing.T) {
	w := newFixture().do(t, http.MethodGet, "/api/v1/escrows/"+escrowA, "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetOffer(t *testing.T) {
	w := newFixture().do(t, http.MethodGet, "/api/v1/offers/7", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode[dto.OfferDTO](t, w)
	assert.Equal(t, "250", out.BudgetUSDT)
	assert.True(t, out.Accepted)
	assert.Equal(t, cache.SourceChain, out.Source)
}

func TestSyncStatus(t *testing.T) {
	f := newFixture()
	f.cache.statuses = []domain.SyncStatus{{ContractName: chain.ContractJobBoard, LastSyncedBlock: 200}}

	w := f.do(t, http.MethodGet, "/api/v1/sync/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	out := decode[dto.SyncStatusResponse](t, w)
	require.Len(t, out.Contracts, 1)
	assert.Equal(t, uint64(200), out.Contracts[0].LastSyncedBlock)
}

func TestReconcileTrigger(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		target   string
		token    string
		secret   string
		err      error
		wantCode int
	}{
		{name: "get", method: http.MethodGet, target: "/api/v1/sync/reconcile", token: secret, secret: secret, wantCode: http.StatusOK},
		{name: "post single contract", method: http.MethodPost, target: "/api/v1/sync/reconcile?contract=JobBoard", token: secret, secret: secret, wantCode: http.StatusOK},
		{name: "missing token", method: http.MethodPost, target: "/api/v1/sync/reconcile", secret: secret, wantCode: http.StatusUnauthorized},
		{name: "wrong token", method: http.MethodPost, target: "/api/v1/sync/reconcile", token: "guess", secret: secret, wantCode: http.StatusUnauthorized},
		{name: "no secret configured", method: http.MethodPost, target: "/api/v1/sync/reconcile", token: "", secret: "", wantCode: http.StatusUnauthorized},
		{name: "in progress", method: http.MethodPost, target: "/api/v1/sync/reconcile", token: secret, secret: secret, err: reconcile.ErrInProgress, wantCode: http.StatusConflict},
		{name: "unknown contract", method: http.MethodPost, target: "/api/v1/sync/reconcile?contract=Treasury", token: secret, secret: secret, err: reconcile.ErrUnknownContract, wantCode: http.StatusBadRequest},
		{
			name: "partial failure", method: http.MethodPost, target: "/api/v1/sync/reconcile", token: secret, secret: secret,
			err:      &reconcile.PartialFailureError{Contract: chain.ContractJobBoard, FromBlock: 100, ToBlock: 200, Err: rpc.ErrRPCExhausted},
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.deps.CronSecret = tt.secret
			f.syncer.err = tt.err
			if tt.err != nil {
				f.syncer.results = nil
			}

			w := f.do(t, tt.method, tt.target, "", tt.token)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode == http.StatusUnauthorized {
				return
			}

			out := decode[dto.ReconcileResponse](t, w)
			assert.Equal(t, tt.err == nil, out.Success)
			if tt.err == nil {
				assert.Equal(t, uint64(200), out.LastSyncedBlock)
				assert.Equal(t, uint64(200), out.CurrentBlock)
				assert.Equal(t, int64(1500), out.Duration)
			} else {
				assert.NotEmpty(t, out.Error)
			}
		})
	}
}

func TestManualSync(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode int
	}{
		{name: "job", body: `{"type":"job","jobId":"7"}`, wantCode: http.StatusOK},
		{name: "all from block", body: `{"type":"all","fromBlock":10}`, wantCode: http.StatusOK},
		{name: "invalid request", body: `{"type":"wallet"}`, err: fmt.Errorf("%w: unknown type", reconcile.ErrInvalidRequest), wantCode: http.StatusBadRequest},
		{name: "not found", body: `{"type":"job","jobId":"404"}`, err: domain.ErrJobNotFound, wantCode: http.StatusNotFound},
		{name: "chain down", body: `{"type":"escrow","id":"` + escrowA + `"}`, err: rpc.ErrRPCExhausted, wantCode: http.StatusBadGateway},
		{name: "malformed body", body: `{"type":`, wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.syncer.err = tt.err

			w := f.do(t, http.MethodPost, "/api/v1/sync/manual", tt.body, secret)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}

	t.Run("request is passed through", func(t *testing.T) {
		f := newFixture()
		w := f.do(t, http.MethodPost, "/api/v1/sync/manual", `{"type":"all","fromBlock":10}`, secret)
		require.Equal(t, http.StatusOK, w.Code)

		require.NotNil(t, f.syncer.req.FromBlock)
		assert.Equal(t, uint64(10), *f.syncer.req.FromBlock)

		out := decode[dto.ManualSyncResponse](t, w)
		assert.True(t, out.Success)
		assert.Equal(t, 2, out.Result.Applied)
	})

	t.Run("requires the secret", func(t *testing.T) {
		w := newFixture().do(t, http.MethodPost, "/api/v1/sync/manual", `{"type":"all"}`, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
