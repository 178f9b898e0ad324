package types

import "errors"

// Sentinel errors shared across packages. Compare with errors.Is.
var (
	// ErrNotFound is returned when an operation references an unknown issue or funnel
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a lifecycle change would move an issue backward
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNoData is returned by window resolvers that need stored events when none exist
	ErrNoData = errors.New("no event data")

	// ErrInvalidInput marks caller errors such as malformed anomalies or empty batches
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists is returned when creating a funnel whose name is taken
	ErrAlreadyExists = errors.New("already exists")
)
