package dto

import (
	"github.com/cuongbtq/escrow-sync/internal/domain"
	"github.com/cuongbtq/escrow-sync/internal/worker/reconcile"
)

type SyncStatusResponse struct {
	Contracts []domain.SyncStatus `json:"contracts"`
}

// ReconcileResponse reports a trigger. The top-level block numbers and
// duration (milliseconds) describe the JobBoard run, or the only run when a
// single contract was requested.
type ReconcileResponse struct {
	Success         bool               `json:"success"`
	LastSyncedBlock uint64             `json:"lastSyncedBlock"`
	CurrentBlock    uint64             `json:"currentBlock"`
	Duration        int64              `json:"duration"`
	Results         []reconcile.Result `json:"results"`
	Error           string             `json:"error,omitempty"`
}

func NewReconcileResponse(results []reconcile.Result, err error) ReconcileResponse {
	out := ReconcileResponse{Success: err == nil, Results: results}
	if out.Results == nil {
		out.Results = []reconcile.Result{}
	}
	if len(results) > 0 {
		first := results[0]
		out.LastSyncedBlock = first.LastSyncedBlock
		out.CurrentBlock = first.CurrentBlock
		out.Duration = first.Duration.Milliseconds()
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

type ManualSyncResponse struct {
	Success bool                 `json:"success"`
	Result  reconcile.SyncResult `json:"result"`
	Error   string               `json:"error,omitempty"`
}
