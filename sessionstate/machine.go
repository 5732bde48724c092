// Package sessionstate tracks whether a session is generating and holds the
// follow-up questions queued behind the current turn.
package sessionstate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
)

// ErrInvalidState is returned for transitions the current status forbids.
var ErrInvalidState = errors.New("invalid state transition")

// Status is the lifecycle state of a session.
type Status int

const (
	StatusNew Status = iota
	StatusActive
	StatusGenerating
	StatusInterrupted
	StatusCompleted
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusActive:
		return "active"
	case StatusGenerating:
		return "generating"
	case StatusInterrupted:
		return "interrupted"
	case StatusCompleted:
		return "completed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusNew; st <= StatusError; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session status %q", b)
}

// Question is a follow-up waiting for the current turn to finish.
type Question struct {
	EnqueuedAt time.Time `json:"enqueued_at"`
	ID         string    `json:"id"`
	Text       string    `json:"text"`
	Context    []string  `json:"context,omitempty"`
}

// Snapshot is the state a UI needs for its controls.
type Snapshot struct {
	Status     Status `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	Generating bool   `json:"generating"`
}

// Machine is the per-session state machine. It is not safe for concurrent
// use; the owning session serializes access.
type Machine struct {
	now    func() time.Time
	logger *slog.Logger
	id     string
	queue  []Question
	status Status
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used to stamp queued questions.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// New creates a machine in StatusNew.
func New(sessionID string, opts ...Option) *Machine {
	m := &Machine{id: sessionID, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDefault(m.logger)
	return m
}

// Status returns the current status.
func (m *Machine) Status() Status {
	return m.status
}

// Generating reports whether a turn is in flight.
func (m *Machine) Generating() bool {
	return m.status == StatusGenerating
}

// Snapshot returns the current status and queue depth.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		Status:     m.status,
		QueueDepth: len(m.queue),
		Generating: m.Generating(),
	}
}

// Touch moves a new session to Active. It reports whether the status changed.
func (m *Machine) Touch() bool {
	if m.status != StatusNew {
		return false
	}
	m.set(StatusActive)
	return true
}

// Enqueue appends a follow-up question and returns its id.
func (m *Machine) Enqueue(text string, context ...string) string {
	q := Question{
		ID:         uuid.NewString(),
		Text:       text,
		Context:    append([]string(nil), context...),
		EnqueuedAt: m.now(),
	}
	m.queue = append(m.queue, q)
	return q.ID
}

// Queue returns a copy of the pending questions in FIFO order.
func (m *Machine) Queue() []Question {
	return append([]Question(nil), m.queue...)
}

// StartIfIdle begins a turn. It returns false while a turn is generating.
func (m *Machine) StartIfIdle() bool {
	if m.status == StatusGenerating {
		return false
	}
	m.set(StatusGenerating)
	return true
}

// MarkCompleted ends the current turn normally.
func (m *Machine) MarkCompleted() error {
	return m.finish(StatusCompleted)
}

// MarkInterrupted ends the current turn on user request.
func (m *Machine) MarkInterrupted() error {
	return m.finish(StatusInterrupted)
}

// MarkError ends the current turn with an agent error. Queued questions stay
// queued until the caller starts a turn again.
func (m *Machine) MarkError() error {
	return m.finish(StatusError)
}

func (m *Machine) finish(next Status) error {
	if m.status == StatusNew {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, m.status, next)
	}
	m.set(next)
	return nil
}

// DrainNext pops the oldest question and moves to Generating before
// returning it, so at most one turn is ever in flight. It returns false while
// generating or when nothing is queued.
func (m *Machine) DrainNext() (Question, bool) {
	if m.status == StatusGenerating || len(m.queue) == 0 {
		return Question{}, false
	}
	q := m.queue[0]
	m.queue[0] = Question{}
	m.queue = m.queue[1:]
	m.set(StatusGenerating)
	return q, true
}

// Reset returns the machine to StatusNew and drops the queue.
func (m *Machine) Reset() {
	m.queue = nil
	m.status = StatusNew
}

func (m *Machine) set(next Status) {
	if m.status == next {
		return
	}
	m.logger.Debug("session state transition", "session", m.id, "from", m.status, "to", next)
	m.status = next
}
