package config

import "errors"

var (
	// ErrNotFound is returned when a requested resource does not exist in the
	// store, or has been soft-deleted.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert violates a unique constraint.
	ErrDuplicate = errors.New("duplicate")
	// ErrVersionConflict is returned when an optimistic update lost the race
	// against a concurrent writer of the same row.
	ErrVersionConflict = errors.New("version conflict")
)
