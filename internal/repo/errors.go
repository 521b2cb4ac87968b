package repo

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")

	// ErrInvariantViolation is returned when a write would leave a dataset with more
	// than one Testing or more than one Published config. The write is rolled back.
	ErrInvariantViolation = errors.New("config state invariant violated")
)
