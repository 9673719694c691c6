package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPosition_Before(t *testing.T) {
	tests := []struct {
		name string
		p    Position
		o    Position
		want bool
	}{
		{name: "earlier block", p: Position{Block: 9, Index: 50}, o: Position{Block: 10, Index: 0}, want: true},
		{name: "later block", p: Position{Block: 11, Index: 0}, o: Position{Block: 10, Index: 50}, want: false},
		{name: "same block lower index", p: Position{Block: 10, Index: 1}, o: Position{Block: 10, Index: 2}, want: true},
		{name: "equal", p: Position{Block: 10, Index: 2}, o: Position{Block: 10, Index: 2}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.Before(tt.o))
		})
	}
}

func TestEvent_Position(t *testing.T) {
	log := Event{Kind: EventJobHired, BlockNumber: 100, LogIndex: 7}
	snap := Event{Kind: EventJobSnapshot, BlockNumber: 100, LogIndex: 0}

	assert.Equal(t, Position{Block: 100, Index: 7}, log.Position())
	assert.Equal(t, Position{Block: 100, Index: SnapshotIndex}, snap.Position())
	assert.True(t, log.Position().Before(snap.Position()), "a snapshot sorts after every log of its block")
	assert.Equal(t, "100/7", log.Position().String())
}

func TestEvent_IdempotencyKey(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{
			name:  "log event lowercases the tx hash",
			event: Event{Kind: EventPaid, TxHash: "0xABCDEF", LogIndex: 3},
			want:  "tx:0xabcdef:3",
		},
		{
			name:  "job snapshot",
			event: Event{Kind: EventJobSnapshot, JobID: "42", Source: "getJob", BlockNumber: 900},
			want:  "snap:JobSnapshot:42:getJob@900",
		},
		{
			name:  "escrow snapshot keyed by address",
			event: Event{Kind: EventEscrowSnapshot, Escrow: "0x00000000000000000000000000000000000000E1", Source: "escrowState", BlockNumber: 900},
			want:  "snap:EscrowSnapshot:0x00000000000000000000000000000000000000e1:escrowState@900",
		},
		{
			name:  "proposal snapshot keyed by job and freelancer",
			event: Event{Kind: EventProposalSnapshot, JobID: "42", Actor: "0x00000000000000000000000000000000000000F1", Source: "getProposal", BlockNumber: 900},
			want:  "snap:ProposalSnapshot:42/0x00000000000000000000000000000000000000f1:getProposal@900",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.IdempotencyKey())
		})
	}
}

func TestEvent_IdempotencyKeyIdentity(t *testing.T) {
	a := Event{Kind: EventJobSnapshot, JobID: "1", Source: "getJob", BlockNumber: 10}
	b := a
	b.BlockNumber = 11

	assert.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())

	redelivered := Event{Kind: EventJobHired, TxHash: "0xaa", LogIndex: 1, BlockNumber: 10}
	replayed := redelivered
	replayed.TxHash = "0xAA"
	assert.Equal(t, redelivered.IdempotencyKey(), replayed.IdempotencyKey())
}

func TestEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr string
	}{
		{name: "valid job event", event: Event{Kind: EventJobPosted, TxHash: "0x1", JobID: "1"}},
		{name: "valid escrow event", event: Event{Kind: EventPaid, TxHash: "0x1", Escrow: "0xe1"}},
		{name: "valid snapshot", event: Event{Kind: EventJobSnapshot, Source: "getJob", JobState: &Job{}}},
		{name: "missing kind", event: Event{}, wantErr: "missing kind"},
		{name: "log without tx hash", event: Event{Kind: EventJobPosted, JobID: "1"}, wantErr: "without tx hash"},
		{name: "escrow event without address", event: Event{Kind: EventRefunded, TxHash: "0x1"}, wantErr: "without escrow address"},
		{name: "job event without id", event: Event{Kind: EventJobHired, TxHash: "0x1"}, wantErr: "without job id"},
		{name: "unknown kind", event: Event{Kind: "Upgraded", TxHash: "0x1"}, wantErr: "unknown kind"},
		{name: "snapshot without source", event: Event{Kind: EventOfferSnapshot, OfferState: &DirectOffer{}}, wantErr: "without source"},
		{name: "snapshot without state", event: Event{Kind: EventEscrowSnapshot, Source: "escrowState"}, wantErr: "escrow snapshot without state"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidEvent)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
