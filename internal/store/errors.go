package store

import "errors"

// Sentinel errors for store operations. Check with errors.Is().
var (
	// ErrNotFound indicates no row exists for the requested key.
	ErrNotFound = errors.New("store: not found")

	// ErrPersistence indicates the durable store is unavailable. The
	// store falls back to in-memory queueing when this occurs; callers
	// treat it as a degraded-health condition, never as fatal.
	ErrPersistence = errors.New("store: persistence unavailable")
)
