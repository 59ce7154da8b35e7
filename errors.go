package avokat

import "errors"

// Sentinel errors shared across the service surface. Package-level errors
// from subsystems (store, ingest, chat) are wrapped into these where the
// HTTP layer needs to tell them apart.
var (
	// ErrInvalidInput marks a request the caller can fix.
	ErrInvalidInput = errors.New("avokat: invalid input")

	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("avokat: session not found")

	// ErrSessionDeleted is returned to operations cancelled because their
	// session was deleted mid-flight.
	ErrSessionDeleted = errors.New("avokat: session deleted")

	// ErrDuplicateUpload is returned when a session already holds the same
	// file at the same size.
	ErrDuplicateUpload = errors.New("avokat: duplicate upload")

	// ErrUpstreamUnavailable marks failures of the LLM or graph backends.
	ErrUpstreamUnavailable = errors.New("avokat: upstream unavailable")
)
