package lifecycle

import (
	"errors"
	"fmt"
)

// ErrInconsistentTransition marks a state-graph move the contracts could not produce
var ErrInconsistentTransition = errors.New("inconsistent transition")

// TransitionError describes a rejected transition of one entity
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
}

func newTransitionError(entity, id, from, to, reason string) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, From: from, To: to, Reason: reason}
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("%s %s: %s (state %s)", e.Entity, e.ID, e.Reason, e.To)
	}
	return fmt.Sprintf("%s %s: %s (%s -> %s)", e.Entity, e.ID, e.Reason, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInconsistentTransition
}
