// Package store persists reconciled messages for callers that want them
// beyond the process lifetime.
package store

import (
	"context"
	"errors"

	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// ErrNotFound is returned when a session has no stored messages.
var ErrNotFound = errors.New("session not found in store")

// Store is a caller-supplied message store. Saving a message whose id is
// already stored replaces it in place; order is the order of first save.
type Store interface {
	SaveMessage(ctx context.Context, m transcript.Message) error
	LoadMessages(ctx context.Context, sessionID string) ([]transcript.Message, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
