package syncer

import "errors"

// Syncer errors
var (
	// ErrSyncInProgress indicates a concurrent round with the same peer;
	// the second round is rejected, never queued
	ErrSyncInProgress = errors.New("sync round already in progress")

	// ErrResolutionAmbiguity indicates two distinct changes with an
	// identical (occurred_at, origin) order key; impossible by
	// construction, treated as a fatal integrity bug
	ErrResolutionAmbiguity = errors.New("conflict resolution ambiguity")

	// ErrNoChanges indicates an export request over an empty range
	ErrNoChanges = errors.New("no changes in requested range")
)
