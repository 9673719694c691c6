package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrInProgress is returned when another run holds the contract
	ErrInProgress = errors.New("reconciliation already in progress")

	// ErrUnknownContract is returned for contracts that are not tracked
	ErrUnknownContract = errors.New("unknown contract")

	// ErrInvalidRequest is returned for malformed manual sync requests
	ErrInvalidRequest = errors.New("invalid sync request")
)

// PartialFailureError reports a run that stopped before the checkpoint
// could advance. The next run retries the same range.
type PartialFailureError struct {
	Contract  string
	FromBlock uint64
	ToBlock   uint64
	Applied   int
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("reconciliation of %s [%d, %d] failed after %d applied events: %v",
		e.Contract, e.FromBlock, e.ToBlock, e.Applied, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}
