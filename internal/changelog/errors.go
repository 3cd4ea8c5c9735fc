package changelog

import "errors"

// Common change log errors
var (
	// ErrRecordNotFound indicates that the record does not exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists indicates an insert reusing an existing record id
	ErrRecordExists = errors.New("record id already exists")

	// ErrSequenceGap indicates a changeset whose from_sequence does not
	// match the durably recorded cursor for that origin
	ErrSequenceGap = errors.New("changeset sequence gap")

	// ErrInvalidEntry indicates a malformed change entry
	ErrInvalidEntry = errors.New("invalid change entry")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
