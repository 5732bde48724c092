// Package pgstore keeps reconciled messages in PostgreSQL.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/touwaeriol/claude-code-plus-sub002/store"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schema = `CREATE TABLE IF NOT EXISTS transcript_messages (
	session_id TEXT NOT NULL,
	message_id TEXT NOT NULL,
	seq        BIGSERIAL,
	role       TEXT NOT NULL,
	status     TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, message_id)
)`

// Store implements store.Store on a DB.
type Store struct {
	db    DB
	close func()
	now   func() time.Time
}

var _ store.Store = (*Store)(nil)

// New wraps an existing connection. The caller owns its lifetime.
func New(db DB) *Store {
	return &Store{db: db, close: func() {}, now: time.Now}
}

// Open connects to dsn with a pool and ensures the table exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	s := &Store{db: pool, close: pool.Close, now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the messages table if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// SaveMessage upserts m. The first save fixes the message's position.
func (s *Store) SaveMessage(ctx context.Context, m transcript.Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO transcript_messages (session_id, message_id, role, status, body, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, message_id) DO UPDATE SET
		   role = EXCLUDED.role,
		   status = EXCLUDED.status,
		   body = EXCLUDED.body,
		   updated_at = EXCLUDED.updated_at`,
		m.SessionID, m.ID, string(m.Role), string(m.Status), body, created, s.now())
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", m.ID, err)
	}
	return nil
}

// LoadMessages returns a session's messages in order of first save.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]transcript.Message, error) {
	rows, err := s.db.Query(ctx,
		"SELECT body FROM transcript_messages WHERE session_id=$1 ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []transcript.Message
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var m transcript.Message
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, sessionID)
	}
	return out, nil
}

// DeleteSession removes every message of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM transcript_messages WHERE session_id=$1", sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close releases the pool if Open created it.
func (s *Store) Close() error {
	s.close()
	return nil
}
