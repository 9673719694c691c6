package domain

import "time"

// SyncStatus is the reconciliation checkpoint of one tracked contract.
// LastSyncedBlock only moves forward and only after a fully successful run.
type SyncStatus struct {
	ContractName    string     `json:"contract_name"`
	LastSyncedBlock uint64     `json:"last_synced_block"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	SyncErrors      int        `json:"sync_errors"`
	LastError       *string    `json:"last_error,omitempty"`
}
