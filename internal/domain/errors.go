package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found on chain or in the cache
	ErrJobNotFound = errors.New("job not found")

	// ErrEscrowNotFound is returned when an escrow cannot be found
	ErrEscrowNotFound = errors.New("escrow not found")

	// ErrProposalNotFound is returned when a freelancer never applied to a job
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrOfferNotFound is returned when a job has no direct offer
	ErrOfferNotFound = errors.New("direct offer not found")

	// ErrInvalidEvent is returned when an event is missing required fields
	ErrInvalidEvent = errors.New("invalid event")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
