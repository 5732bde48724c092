package reconcile

import "errors"

var (
	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound is returned for operations that need an existing
	// session.
	ErrSessionNotFound = errors.New("session not found")
)
