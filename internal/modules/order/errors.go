package order

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order state conflict")
	ErrBadRequest        = errors.New("bad request")
	ErrInvalidAmount     = errors.New("invalid monetary breakdown")
	ErrForbidden         = errors.New("actor is not allowed to act on this order")
	ErrDriverRequired    = errors.New("driver must be assigned for this status")
	ErrUnexpectedDriver  = errors.New("driver must not be assigned for this status")
	ErrAlreadyAssigned   = errors.New("order already has a driver")
	ErrCorrupt           = errors.New("order fields disagree with its status")
)

// TransitionError carries the attempted (from, to) pair of a rejected transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
