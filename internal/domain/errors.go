package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks bad input rejected before any broker call, for
	// example a quantity delta that would flatten or invert the position.
	ErrValidation = errors.New("validation failed")

	// ErrPrecondition marks an operation attempted in the wrong lifecycle
	// state, also rejected before any broker call.
	ErrPrecondition = errors.New("precondition failed")

	// ErrLockHeld is returned when a close lock is already held for a position.
	ErrLockHeld = errors.New("lock already held")
)
