package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/cache"
	"github.com/cuongbtq/escrow-sync/internal/domain"
)

type proposalKey struct {
	jobID      string
	freelancer string
}

type lease struct {
	owner   string
	expires time.Time
}

// Memory is an in-process Store with the same write guards as Postgres.
// It backs unit tests and single-shot runs without a database.
type Memory struct {
	mu        sync.RWMutex
	now       func() time.Time
	applied   map[string]struct{}
	jobs      map[string]cache.Record[domain.Job]
	escrows   map[string]cache.Record[domain.Escrow]
	proposals map[proposalKey]cache.Record[domain.Proposal]
	offers    map[string]cache.Record[domain.DirectOffer]
	disputes  []domain.Dispute
	status    map[string]domain.SyncStatus
	leases    map[string]lease
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		applied:   make(map[string]struct{}),
		jobs:      make(map[string]cache.Record[domain.Job]),
		escrows:   make(map[string]cache.Record[domain.Escrow]),
		proposals: make(map[proposalKey]cache.Record[domain.Proposal]),
		offers:    make(map[string]cache.Record[domain.DirectOffer]),
		status:    make(map[string]domain.SyncStatus),
		leases:    make(map[string]lease),
	}
}

// SetClock replaces the clock used for SyncedAt and lease expiry
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) HasApplied(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.applied[key]
	return ok, nil
}

func (m *Memory) PutJob(_ context.Context, key string, job domain.Job, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[key]; ok {
		return ErrDuplicate
	}
	if cur, ok := m.jobs[job.JobID]; ok && !cur.Position.Before(pos) {
		return ErrStale
	}
	m.jobs[job.JobID] = cache.Record[domain.Job]{Value: job, SyncedAt: m.now(), Position: pos}
	m.applied[key] = struct{}{}
	return nil
}

func (m *Memory) PutEscrow(_ context.Context, key string, escrow domain.Escrow, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[key]; ok {
		return ErrDuplicate
	}
	if cur, ok := m.escrows[escrow.Address]; ok {
		if cur.Value.Terminal {
			return ErrTerminal
		}
		if !cur.Position.Before(pos) {
			return ErrStale
		}
	}
	m.escrows[escrow.Address] = cache.Record[domain.Escrow]{Value: escrow.Clone(), SyncedAt: m.now(), Position: pos}
	m.applied[key] = struct{}{}

	if escrow.Terminal {
		for i := range m.disputes {
			if m.disputes[i].EscrowAddress == escrow.Address {
				m.disputes[i].Status = domain.DisputeStatusResolved
			}
		}
	}
	return nil
}

func (m *Memory) PutProposal(_ context.Context, key string, p domain.Proposal, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[key]; ok {
		return ErrDuplicate
	}
	k := proposalKey{jobID: p.JobID, freelancer: p.Freelancer}
	if cur, ok := m.proposals[k]; ok && !cur.Position.Before(pos) {
		return ErrStale
	}
	m.proposals[k] = cache.Record[domain.Proposal]{Value: p, SyncedAt: m.now(), Position: pos}
	m.applied[key] = struct{}{}
	return nil
}

func (m *Memory) PutOffer(_ context.Context, key string, o domain.DirectOffer, pos domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[key]; ok {
		return ErrDuplicate
	}
	if cur, ok := m.offers[o.JobID]; ok && !cur.Position.Before(pos) {
		return ErrStale
	}
	m.offers[o.JobID] = cache.Record[domain.DirectOffer]{Value: o, SyncedAt: m.now(), Position: pos}
	m.applied[key] = struct{}{}
	return nil
}

func (m *Memory) RecordDispute(_ context.Context, key string, d domain.Dispute, _ domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.applied[key]; ok {
		return ErrDuplicate
	}
	m.applied[key] = struct{}{}

	for _, existing := range m.disputes {
		if existing.TransactionHash == d.TransactionHash && existing.EscrowAddress == d.EscrowAddress {
			return nil
		}
	}
	d.Status = domain.DisputeStatusOpen
	if e, ok := m.escrows[d.EscrowAddress]; ok && e.Value.Terminal {
		d.Status = domain.DisputeStatusResolved
	}
	m.disputes = append(m.disputes, d)
	return nil
}

func (m *Memory) GetJob(_ context.Context, jobID string) (cache.Record[domain.Job], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.jobs[jobID]
	if !ok {
		return cache.Record[domain.Job]{}, cache.ErrMiss
	}
	return r, nil
}

// ListJobs mirrors the Postgres ordering: newest first, ties broken by job id
func (m *Memory) ListJobs(_ context.Context, filter cache.JobFilter) ([]cache.Record[domain.Job], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cache.Record[domain.Job]
	for _, r := range m.jobs {
		j := r.Value
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Client != "" && j.Client != filter.Client {
			continue
		}
		if c := filter.Cursor; c != nil && !listedBefore(j, c.CreatedAt, c.JobID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, k int) bool {
		a := out[i].Value
		return listedBefore(out[k].Value, listingTime(a), a.JobID)
	})
	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

func listingTime(j domain.Job) time.Time {
	if j.CreatedAt.IsZero() {
		return time.Unix(0, 0)
	}
	return j.CreatedAt
}

// listedBefore reports whether (createdAt, jobID) of j is strictly below the
// given pair, so j comes later in the descending listing
func listedBefore(j domain.Job, createdAt time.Time, jobID string) bool {
	t := listingTime(j)
	if !t.Equal(createdAt) {
		return t.Before(createdAt)
	}
	return j.JobID < jobID
}

func (m *Memory) GetEscrow(_ context.Context, address string) (cache.Record[domain.Escrow], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.escrows[address]
	if !ok {
		return cache.Record[domain.Escrow]{}, cache.ErrMiss
	}
	r.Value = r.Value.Clone()
	return r, nil
}

func (m *Memory) GetProposal(_ context.Context, jobID, freelancer string) (cache.Record[domain.Proposal], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.proposals[proposalKey{jobID: jobID, freelancer: freelancer}]
	if !ok {
		return cache.Record[domain.Proposal]{}, cache.ErrMiss
	}
	return r, nil
}

func (m *Memory) ListProposals(_ context.Context, jobID string) ([]cache.Record[domain.Proposal], error) {
	return m.filterProposals(func(k proposalKey) bool { return k.jobID == jobID }), nil
}

func (m *Memory) ListProposalsByFreelancer(_ context.Context, freelancer string) ([]cache.Record[domain.Proposal], error) {
	return m.filterProposals(func(k proposalKey) bool { return strings.EqualFold(k.freelancer, freelancer) }), nil
}

func (m *Memory) filterProposals(match func(proposalKey) bool) []cache.Record[domain.Proposal] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []cache.Record[domain.Proposal]
	for k, r := range m.proposals {
		if match(k) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Value, out[j].Value
		if a.JobID != b.JobID {
			return a.JobID < b.JobID
		}
		return a.Freelancer < b.Freelancer
	})
	return out
}

func (m *Memory) GetOffer(_ context.Context, jobID string) (cache.Record[domain.DirectOffer], error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.offers[jobID]
	if !ok {
		return cache.Record[domain.DirectOffer]{}, cache.ErrMiss
	}
	return r, nil
}

func (m *Memory) ListDisputes(_ context.Context, escrowAddress string) ([]domain.Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Dispute
	for _, d := range m.disputes {
		if d.EscrowAddress == escrowAddress {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) ListEscrowAddresses(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for addr, r := range m.escrows {
		if !r.Value.Terminal {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListSyncStatus(_ context.Context) ([]domain.SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.SyncStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractName < out[j].ContractName })
	return out, nil
}

func (m *Memory) LoadSyncStatus(_ context.Context, contract string) (domain.SyncStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.status[contract]
	if !ok {
		return domain.SyncStatus{ContractName: contract}, nil
	}
	return s, nil
}

func (m *Memory) MarkSyncSucceeded(_ context.Context, contract string, block uint64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.status[contract]
	s.ContractName = contract
	if block > s.LastSyncedBlock {
		s.LastSyncedBlock = block
	}
	s.LastSyncedAt = &at
	s.SyncErrors = 0
	s.LastError = nil
	m.status[contract] = s
	return nil
}

func (m *Memory) MarkSyncFailed(_ context.Context, contract string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	s := m.status[contract]
	s.ContractName = contract
	s.SyncErrors++
	s.LastError = &msg
	m.status[contract] = s
	return nil
}

func (m *Memory) AcquireLease(_ context.Context, contract, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if l, ok := m.leases[contract]; ok && l.owner != owner && now.Before(l.expires) {
		return false, nil
	}
	m.leases[contract] = lease{owner: owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) ReleaseLease(_ context.Context, contract, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[contract]; ok && l.owner == owner {
		delete(m.leases, contract)
	}
	return nil
}
