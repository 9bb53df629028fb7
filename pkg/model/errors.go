// pkg/model/errors.go
package model

import "errors"

// Sentinel errors shared across the persistence and service layers.
// Callers match with errors.Is; implementations wrap with %w to add
// entity detail.
var (
	// ErrNotFound covers a device or command that does not exist or does
	// not belong to the requesting tenant.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict means an optimistic-concurrency write lost the race (or
	// a unique key collided on insert). The caller's state is stale; it
	// must re-fetch and retry. Never auto-retried server-side.
	ErrConflict = errors.New("resource conflict")
)
