package transport

import "errors"

// Common transport errors
var (
	// ErrAuthentication indicates an untrusted or expired credential:
	// the connection is refused and no data is exchanged
	ErrAuthentication = errors.New("peer authentication failed")

	// ErrUnreachable indicates that the peer is offline or timed out
	ErrUnreachable = errors.New("peer unreachable")

	// ErrSessionClosed indicates use of a closed session
	ErrSessionClosed = errors.New("session is closed")

	// ErrFrameTooLarge indicates a frame exceeding the size limit
	ErrFrameTooLarge = errors.New("frame exceeds size limit")

	// ErrProtocol indicates a malformed or unexpected protocol frame
	ErrProtocol = errors.New("protocol violation")
)
