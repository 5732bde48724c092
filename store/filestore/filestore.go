// Package filestore stores each session's messages as one JSON document.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub002/store"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// document is the on-disk shape of one session.
type document struct {
	UpdatedAt time.Time            `json:"updated_at"`
	SessionID string               `json:"session_id"`
	Messages  []transcript.Message `json:"messages"`
}

// Store keeps <dir>/<session-id>.json files. Documents are cached after
// first use so a save rewrites the file without reading it back.
type Store struct {
	cache map[string]*document
	dir   string
	mu    sync.Mutex
}

var _ store.Store = (*Store)(nil)

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &Store{dir: dir, cache: make(map[string]*document)}, nil
}

// sanitizeName makes a session id safe as a file name.
func sanitizeName(name string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_").Replace(name)
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sanitizeName(sessionID)+".json")
}

// SaveMessage upserts m into its session document.
func (s *Store) SaveMessage(_ context.Context, m transcript.Message) error {
	if m.SessionID == "" {
		return fmt.Errorf("message %s has no session id", m.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(m.SessionID)
	if err != nil {
		return err
	}
	replaced := false
	for i := range doc.Messages {
		if doc.Messages[i].ID == m.ID {
			doc.Messages[i] = m.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		doc.Messages = append(doc.Messages, m.Clone())
	}
	doc.UpdatedAt = time.Now()
	return s.write(doc)
}

// LoadMessages returns the stored messages of a session.
func (s *Store) LoadMessages(_ context.Context, sessionID string) ([]transcript.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path(sessionID)); os.IsNotExist(err) {
		if _, cached := s.cache[sessionID]; !cached {
			return nil, fmt.Errorf("%w: %s", store.ErrNotFound, sessionID)
		}
	}
	doc, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]transcript.Message, len(doc.Messages))
	for i := range doc.Messages {
		out[i] = doc.Messages[i].Clone()
	}
	return out, nil
}

// DeleteSession removes a session document. Deleting a missing session is
// not an error.
func (s *Store) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cache, sessionID)
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close drops the cache.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.cache)
	return nil
}

func (s *Store) load(sessionID string) (*document, error) {
	if doc, ok := s.cache[sessionID]; ok {
		return doc, nil
	}
	doc := &document{SessionID: sessionID}
	data, err := os.ReadFile(s.path(sessionID))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read session file: %w", err)
	default:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
	}
	s.cache[sessionID] = doc
	return doc, nil
}

func (s *Store) write(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	// Write atomically using temp file + rename
	path := s.path(doc.SessionID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename session file: %w", err)
	}
	return nil
}
