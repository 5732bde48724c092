// Package reconcile is the entry point that turns raw event lines into an
// ordered, deduplicated message history per session.
//
// Sessions are independent. All state of one session is owned by a single
// lock, so ingestion for different sessions proceeds in parallel while
// mutation within a session is serialized. Lock order is Reconciler.mu
// before a session's lock; observers and metrics take only their own locks.
package reconcile

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/record"
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// Reconciler owns every session's reconciliation state.
type Reconciler struct {
	metrics   Metrics
	logger    *slog.Logger
	parser    *record.Parser
	orphans   *orphanLog
	sessions  map[string]*session
	closed    map[string]struct{}
	observers []Observer
	opts      options
	mu        sync.Mutex
	obsMu     sync.RWMutex
}

// New creates a Reconciler.
func New(opts ...Option) *Reconciler {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}
	r := &Reconciler{
		opts:      o,
		logger:    logging.OrDefault(o.logger),
		metrics:   o.metrics,
		orphans:   newOrphanLog(o.orphanLogSize),
		sessions:  make(map[string]*session),
		closed:    make(map[string]struct{}),
		observers: append([]Observer(nil), o.observers...),
	}
	if r.metrics == nil {
		r.metrics = nopMetrics{}
	}
	r.parser = record.NewParser(record.WithClock(o.now), record.WithLogger(r.logger))
	return r
}

// AddObserver registers an observer for all sessions.
func (r *Reconciler) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Reconciler) notify(ev Event) {
	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, o := range obs {
		o.OnEvent(ev)
	}
}

func (r *Reconciler) acquire(id string, create bool) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.closed[id]; ok {
		return nil, ErrSessionClosed
	}
	s, ok := r.sessions[id]
	if ok {
		return s, nil
	}
	if !create {
		return nil, ErrSessionNotFound
	}
	s = newSession(r, id)
	r.sessions[id] = s
	r.metrics.SessionsActive(len(r.sessions))
	return s, nil
}

// withSession runs fn while owning the session, then dispatches any question
// fn drained once the lock is released and reports it to observers.
func (r *Reconciler) withSession(id string, create bool, fn func(s *session) error) error {
	s, err := r.acquire(id, create)
	if err != nil {
		return err
	}
	var dispatch []sessionstate.Question
	err = func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return ErrSessionClosed
		}
		err := fn(s)
		dispatch = s.takeOutbox()
		return err
	}()
	for _, q := range dispatch {
		r.opts.dispatcher.Dispatch(id, q)
		r.notify(QuestionDispatched{SessionID: id, Question: q})
	}
	return err
}

// IngestLine consumes one raw line. It returns the messages that became
// visible or changed, in emission order. Malformed lines are counted and
// skipped; only a closed session is an error.
func (r *Reconciler) IngestLine(sessionID string, line []byte) ([]transcript.Message, error) {
	rec, perr := r.parser.Parse(line)
	var em emission
	err := r.withSession(sessionID, true, func(s *session) error {
		s.consume(rec, perr, line, &em)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return em.list(), nil
}

// IngestBatch loads history. The dedup ledger is reset first, keeping only
// ids of messages the session still holds, so replaying a batch already
// loaded returns nothing. A LoadCompleted event ends the batch.
func (r *Reconciler) IngestBatch(sessionID string, lines [][]byte) ([]transcript.Message, error) {
	recs := make([]*record.Record, len(lines))
	errs := make([]error, len(lines))
	for i, line := range lines {
		recs[i], errs[i] = r.parser.Parse(line)
	}

	var em emission
	err := r.withSession(sessionID, true, func(s *session) error {
		s.resetLedger()
		before := s.parseFailures
		for i := range lines {
			s.consume(recs[i], errs[i], lines[i], &em)
		}
		r.notify(LoadCompleted{
			SessionID: sessionID,
			Count:     len(em.ids),
			Failures:  s.parseFailures - before,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return em.list(), nil
}

// CurrentMessages returns a copy of the session's messages with tool calls
// brought up to date.
func (r *Reconciler) CurrentMessages(sessionID string) ([]transcript.Message, error) {
	var out []transcript.Message
	err := r.withSession(sessionID, false, func(s *session) error {
		out = s.snapshot()
		return nil
	})
	return out, err
}

// CloseSession releases all state of a session. Later operations on the id
// fail with ErrSessionClosed until Reopen. Closing an unknown or closed
// session does nothing.
func (r *Reconciler) CloseSession(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		r.closed[sessionID] = struct{}{}
		r.metrics.SessionsActive(len(r.sessions))
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.release()
	r.notify(SessionClosed{SessionID: sessionID})
}

// Reopen allows a closed session id to be used again. The session starts
// empty.
func (r *Reconciler) Reopen(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.closed, sessionID)
}

// Enqueue queues a follow-up question on an existing session and returns its
// id. With a dispatcher configured an idle session starts on it at once.
func (r *Reconciler) Enqueue(sessionID, text string, context ...string) (string, error) {
	var id string
	err := r.withSession(sessionID, false, func(s *session) error {
		id = s.machine.Enqueue(text, context...)
		s.drain()
		s.publishState()
		return nil
	})
	return id, err
}

// StartIfIdle begins a turn for the transport. It returns false while a
// turn is already generating.
func (r *Reconciler) StartIfIdle(sessionID string) (bool, error) {
	var started bool
	err := r.withSession(sessionID, true, func(s *session) error {
		started = s.machine.StartIfIdle()
		s.publishState()
		return nil
	})
	return started, err
}

// MarkCompleted records that the transport finished the current turn. A
// message still being assembled is finalized as complete.
func (r *Reconciler) MarkCompleted(sessionID string) error {
	return r.withSession(sessionID, false, func(s *session) error {
		return s.finish(s.machine.MarkCompleted, transcript.StatusComplete, true)
	})
}

// MarkInterrupted records that the user stopped the current turn. Tool calls
// still running are cancelled.
func (r *Reconciler) MarkInterrupted(sessionID string) error {
	return r.withSession(sessionID, false, func(s *session) error {
		var em emission
		for _, c := range s.table.CancelRunning(r.opts.now()) {
			s.refreshCall(c.MessageID, c.Call.ID, &em)
		}
		return s.finish(s.machine.MarkInterrupted, transcript.StatusComplete, true)
	})
}

// MarkError records that the current turn failed. A message still being
// assembled is finalized as failed. Queued questions are kept.
func (r *Reconciler) MarkError(sessionID string) error {
	return r.withSession(sessionID, false, func(s *session) error {
		return s.finish(s.machine.MarkError, transcript.StatusFailed, false)
	})
}

func (s *session) finish(mark func() error, status transcript.MessageStatus, drain bool) error {
	wasGenerating := s.machine.Generating()
	if err := mark(); err != nil {
		return err
	}
	var em emission
	s.apply(s.asm.Flush(status), &em)
	if drain && wasGenerating {
		s.drain()
	}
	s.publishState()
	return nil
}

// DrainNext pops the next queued question for callers that dispatch
// themselves. It returns false while generating or when the queue is empty.
func (r *Reconciler) DrainNext(sessionID string) (sessionstate.Question, bool, error) {
	var (
		q  sessionstate.Question
		ok bool
	)
	err := r.withSession(sessionID, false, func(s *session) error {
		q, ok = s.machine.DrainNext()
		s.publishState()
		return nil
	})
	return q, ok, err
}

// ToolCall returns the current state of one tool call. found is false when
// the session never saw an invocation with that id.
func (r *Reconciler) ToolCall(sessionID, toolCallID string) (tc transcript.ToolCall, found bool, err error) {
	err = r.withSession(sessionID, false, func(s *session) error {
		tc, found = s.table.Snapshot(toolCallID)
		return nil
	})
	return tc, found, err
}

// State returns the session snapshot.
func (r *Reconciler) State(sessionID string) (State, error) {
	var st State
	err := r.withSession(sessionID, false, func(s *session) error {
		st = s.state()
		return nil
	})
	return st, err
}

// Sessions returns the ids of live sessions, sorted.
func (r *Reconciler) Sessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Orphans returns the most recent tool outcomes that arrived without a known
// invocation, oldest first.
func (r *Reconciler) Orphans() []Orphan {
	return r.orphans.snapshot()
}
