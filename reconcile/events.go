package reconcile

import (
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// Observer receives reconciliation events. Events for one session arrive in
// ingestion order while that session is locked, so observers must not call
// back into the Reconciler for the same session.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

// Event is MessageAppended, MessageUpdated, ToolCallUpdated, StateChanged,
// QuestionDispatched, LoadCompleted or SessionClosed.
type Event interface {
	Session() string
	event()
}

// MessageAppended fires when a message first becomes visible.
type MessageAppended struct {
	SessionID string
	Message   transcript.Message
}

// MessageUpdated fires when a visible message changes: it grew, was
// finalized, or one of its tool calls finished.
type MessageUpdated struct {
	SessionID string
	Message   transcript.Message
}

// ToolCallUpdated fires when a tool call in a visible message changes status.
type ToolCallUpdated struct {
	SessionID string
	MessageID string
	ToolCall  transcript.ToolCall
}

// StateChanged fires when the session status or queue depth changes.
type StateChanged struct {
	SessionID string
	From      sessionstate.Status
	State     State
}

// QuestionDispatched fires after a drained question was handed to the
// dispatcher.
type QuestionDispatched struct {
	SessionID string
	Question  sessionstate.Question
}

// LoadCompleted fires at the end of IngestBatch.
type LoadCompleted struct {
	SessionID string
	// Count is the number of messages the batch admitted.
	Count    int
	Failures int
}

// SessionClosed fires once when a session is closed.
type SessionClosed struct {
	SessionID string
}

func (e MessageAppended) Session() string    { return e.SessionID }
func (e MessageUpdated) Session() string     { return e.SessionID }
func (e ToolCallUpdated) Session() string    { return e.SessionID }
func (e StateChanged) Session() string       { return e.SessionID }
func (e QuestionDispatched) Session() string { return e.SessionID }
func (e LoadCompleted) Session() string      { return e.SessionID }
func (e SessionClosed) Session() string      { return e.SessionID }

func (MessageAppended) event()    {}
func (MessageUpdated) event()     {}
func (ToolCallUpdated) event()    {}
func (StateChanged) event()       {}
func (QuestionDispatched) event() {}
func (LoadCompleted) event()      {}
func (SessionClosed) event()      {}

// State is the session snapshot UI controls need.
type State struct {
	Status        sessionstate.Status `json:"status"`
	QueueDepth    int                 `json:"queue_depth"`
	Generating    bool                `json:"generating"`
	MessageCount  int                 `json:"message_count"`
	ParseFailures int                 `json:"parse_failures"`
	OrphanCount   int                 `json:"orphan_count"`
}
