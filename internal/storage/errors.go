package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert collides with an existing
	// (source, external_id) pair.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition is returned when a status change skips the
	// review lifecycle.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRunFinalized is returned when writing to an ingest run that has
	// already been closed.
	ErrRunFinalized = errors.New("ingest run already finalized")
)
