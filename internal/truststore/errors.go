package truststore

import "errors"

// Common trust store errors
var (
	// ErrIdentityNotFound indicates that the installation has no identity yet
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrPeerNotFound indicates that no pinned peer matches the query
	ErrPeerNotFound = errors.New("peer not found")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)
