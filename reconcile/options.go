package reconcile

import (
	"log/slog"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

const defaultOrphanLogSize = 256

// Metrics counts reconciliation activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	LineIngested()
	ParseFailed()
	DuplicateSuppressed()
	OrphanRecorded()
	MessageEmitted(role transcript.Role)
	SessionsActive(n int)
}

type nopMetrics struct{}

func (nopMetrics) LineIngested()                  {}
func (nopMetrics) ParseFailed()                   {}
func (nopMetrics) DuplicateSuppressed()           {}
func (nopMetrics) OrphanRecorded()                {}
func (nopMetrics) MessageEmitted(transcript.Role) {}
func (nopMetrics) SessionsActive(int)             {}

// Dispatcher hands a drained follow-up question to the agent transport. It
// is called without any session lock held.
type Dispatcher interface {
	Dispatch(sessionID string, q sessionstate.Question)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(sessionID string, q sessionstate.Question)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(sessionID string, q sessionstate.Question) { f(sessionID, q) }

type options struct {
	logger            *slog.Logger
	metrics           Metrics
	dispatcher        Dispatcher
	now               func() time.Time
	observers         []Observer
	orphanLogSize     int
	maxMessages       int
	includeSidechains bool
}

// Option configures a Reconciler.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver registers an observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// WithDispatcher enables draining queued questions. Without a dispatcher,
// questions stay queued until DrainNext is called.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithClock sets the clock used for unparseable timestamps and queue times.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOrphanLogSize bounds the orphan log.
func WithOrphanLogSize(n int) Option {
	return func(o *options) { o.orphanLogSize = n }
}

// WithMaxMessages caps how many messages a session keeps; the oldest are
// evicted first. Zero means unlimited.
func WithMaxMessages(n int) Option {
	return func(o *options) { o.maxMessages = n }
}

// WithIncludeSidechains keeps sub-agent records.
func WithIncludeSidechains(include bool) Option {
	return func(o *options) { o.includeSidechains = include }
}
