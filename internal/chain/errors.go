package chain

import "errors"

var (
	// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidJobID is returned for job ids that are not base-10 integers
	ErrInvalidJobID = errors.New("invalid job id")

	// ErrUnknownEvent is returned when a log's topic matches no known event
	ErrUnknownEvent = errors.New("unknown event")

	// ErrNoContract is returned when a call hits an address without code
	ErrNoContract = errors.New("no contract at address")
)
