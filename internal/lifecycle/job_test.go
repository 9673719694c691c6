package lifecycle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const escrowE = "0x00000000000000000000000000000000000000E1"

func TestJobStatusFromChain(t *testing.T) {
	tests := []struct {
		raw      uint8
		expected domain.JobStatus
	}{
		{0, domain.JobStatusUnknown},
		{1, domain.JobStatusOpen},
		{2, domain.JobStatusHired},
		{3, domain.JobStatusCancelled},
		{4, domain.JobStatusCompleted},
		{5, domain.JobStatusExpired},
		{42, domain.JobStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.expected), func(t *testing.T) {
			assert.Equal(t, tt.expected, JobStatusFromChain(tt.raw))
		})
	}
}

func TestReachable(t *testing.T) {
	tests := []struct {
		name string
		from domain.JobStatus
		to   domain.JobStatus
		want bool
	}{
		{"same status", domain.JobStatusOpen, domain.JobStatusOpen, true},
		{"unknown to open", domain.JobStatusUnknown, domain.JobStatusOpen, true},
		{"open to hired", domain.JobStatusOpen, domain.JobStatusHired, true},
		{"open to expired", domain.JobStatusOpen, domain.JobStatusExpired, true},
		{"hired to completed", domain.JobStatusHired, domain.JobStatusCompleted, true},
		{"hired to cancelled", domain.JobStatusHired, domain.JobStatusCancelled, true},
		{"first observation already completed", domain.JobStatusUnknown, domain.JobStatusCompleted, true},
		{"completed to open", domain.JobStatusCompleted, domain.JobStatusOpen, false},
		{"hired to open", domain.JobStatusHired, domain.JobStatusOpen, false},
		{"expired to hired", domain.JobStatusExpired, domain.JobStatusHired, false},
		{"cancelled to completed", domain.JobStatusCancelled, domain.JobStatusCompleted, false},
		{"hired to expired", domain.JobStatusHired, domain.JobStatusExpired, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reachable(tt.from, tt.to))
		})
	}
}

func TestInterpretJob(t *testing.T) {
	var tag [32]byte
	copy(tag[:], "golang")

	t.Run("hired job with escrow", func(t *testing.T) {
		job, err := InterpretJob(domain.RawJob{
			JobID:           big.NewInt(7),
			Client:          "0x00000000000000000000000000000000000000C1",
			Title:           "Build indexer",
			BudgetUSDC:      big.NewInt(500),
			Status:          2,
			HiredFreelancer: "0x00000000000000000000000000000000000000F1",
			EscrowAddress:   escrowE,
			CreatedAt:       1700000000,
			UpdatedAt:       1700000100,
			ExpiresAt:       1700100000,
			Tags:            [][32]byte{tag, {}},
			PostingBond:     big.NewInt(10),
		})
		require.NoError(t, err)

		assert.Equal(t, "7", job.JobID)
		assert.Equal(t, domain.JobStatusHired, job.Status)
		assert.Equal(t, escrowE, job.EscrowAddress)
		assert.Equal(t, []string{"golang"}, job.Tags)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), job.CreatedAt)
		assert.Equal(t, 0, job.BudgetUSDC.Cmp(big.NewInt(500)))
	})

	t.Run("hired job without escrow is inconsistent", func(t *testing.T) {
		_, err := InterpretJob(domain.RawJob{JobID: big.NewInt(1), Status: 2, EscrowAddress: domain.ZeroAddress})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInconsistentTransition))
	})

	t.Run("open job with escrow is inconsistent", func(t *testing.T) {
		_, err := InterpretJob(domain.RawJob{JobID: big.NewInt(1), Status: 1, EscrowAddress: escrowE})
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInconsistentTransition))
	})

	t.Run("cancelled job drops escrow pointer", func(t *testing.T) {
		job, err := InterpretJob(domain.RawJob{JobID: big.NewInt(1), Status: 3, EscrowAddress: escrowE})
		require.NoError(t, err)
		assert.Empty(t, job.EscrowAddress)
		assert.NotNil(t, job.BudgetUSDC)
	})
}

func TestValidateJobTransition(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()

	open := domain.Job{JobID: "1", Status: domain.JobStatusOpen, UpdatedAt: base}
	hired := domain.Job{JobID: "1", Status: domain.JobStatusHired, EscrowAddress: escrowE, UpdatedAt: base.Add(time.Minute)}
	completed := domain.Job{JobID: "1", Status: domain.JobStatusCompleted, EscrowAddress: escrowE, UpdatedAt: base.Add(2 * time.Minute)}

	tests := []struct {
		name    string
		prev    domain.Job
		next    domain.Job
		wantErr string
	}{
		{name: "open to hired", prev: open, next: hired},
		{name: "hired to completed", prev: hired, next: completed},
		{name: "completed to open", prev: completed, next: domain.Job{JobID: "1", Status: domain.JobStatusOpen, UpdatedAt: base.Add(time.Hour)}, wantErr: "transition not in job graph"},
		{name: "updatedAt regresses", prev: hired, next: domain.Job{JobID: "1", Status: domain.JobStatusCompleted, EscrowAddress: escrowE, UpdatedAt: base}, wantErr: "updatedAt regressed"},
		{name: "escrow replaced", prev: hired, next: domain.Job{JobID: "1", Status: domain.JobStatusCompleted, EscrowAddress: "0x00000000000000000000000000000000000000E2", UpdatedAt: base.Add(time.Hour)}, wantErr: "escrow address changed"},
		{name: "completed without escrow", prev: hired, next: domain.Job{JobID: "1", Status: domain.JobStatusCompleted, UpdatedAt: base.Add(time.Hour)}, wantErr: "requires an escrow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJobTransition(tt.prev, tt.next)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var terr *TransitionError
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, "job", terr.Entity)
		})
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	assert.Equal(t, domain.JobStatusExpired, EffectiveStatus(domain.Job{Status: domain.JobStatusOpen, ExpiresAt: now.Add(-time.Second)}, now))
	assert.Equal(t, domain.JobStatusOpen, EffectiveStatus(domain.Job{Status: domain.JobStatusOpen, ExpiresAt: now.Add(time.Hour)}, now))
	assert.Equal(t, domain.JobStatusOpen, EffectiveStatus(domain.Job{Status: domain.JobStatusOpen}, now))
	assert.Equal(t, domain.JobStatusHired, EffectiveStatus(domain.Job{Status: domain.JobStatusHired, ExpiresAt: now.Add(-time.Hour)}, now))
}

func TestValidateOfferTransition(t *testing.T) {
	pending := domain.DirectOffer{JobID: "9"}
	accepted := domain.DirectOffer{JobID: "9", Accepted: true}

	require.NoError(t, ValidateOfferTransition(pending, accepted))
	require.NoError(t, ValidateOfferTransition(accepted, accepted))

	err := ValidateOfferTransition(pending, domain.DirectOffer{JobID: "9", Accepted: true, Rejected: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one outcome flag")

	err = ValidateOfferTransition(accepted, domain.DirectOffer{JobID: "9", Cancelled: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInconsistentTransition))
}
