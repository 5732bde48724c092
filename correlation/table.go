// Package correlation links tool outcomes to the invocations that caused
// them, independent of which message holds either.
package correlation

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// ErrUnknownToolCall is wrapped by OrphanError.
var ErrUnknownToolCall = errors.New("unknown tool call")

// OrphanError reports an outcome whose invocation has not been seen.
type OrphanError struct {
	SessionID  string
	ToolCallID string
}

func (e *OrphanError) Error() string {
	return fmt.Sprintf("session %s: outcome for tool call %s: %v", e.SessionID, e.ToolCallID, ErrUnknownToolCall)
}

func (e *OrphanError) Unwrap() error {
	return ErrUnknownToolCall
}

// Outcome is a tool result about to be applied.
type Outcome struct {
	Result transcript.ToolResult
	At     time.Time
	Status transcript.ToolStatus
}

type entry struct {
	call      transcript.ToolCall
	messageID string
	// invoked is false while only an outcome has been seen.
	invoked bool
}

// Table is the per-session source of truth for tool call state. It is not
// safe for concurrent use; the owning session serializes access.
type Table struct {
	entries   map[string]*entry
	logger    *slog.Logger
	sessionID string
}

// New creates an empty table for a session.
func New(sessionID string, logger *slog.Logger) *Table {
	return &Table{
		entries:   make(map[string]*entry),
		logger:    logging.OrDefault(logger),
		sessionID: sessionID,
	}
}

// RecordInvocation registers a call held by messageID and returns the call
// as the table now sees it. A call seen before keeps its more advanced
// status; an outcome that arrived first is applied.
func (t *Table) RecordInvocation(messageID string, tc transcript.ToolCall) transcript.ToolCall {
	e, ok := t.entries[tc.ID]
	if !ok {
		e = &entry{call: tc.Clone()}
		t.entries[tc.ID] = e
	} else {
		merged := e.call
		if tc.Name != "" {
			merged.Name = tc.Name
		}
		if tc.Parameters != nil {
			merged.Parameters = transcript.DeepCopyMap(tc.Parameters)
		}
		if merged.StartedAt.IsZero() {
			merged.StartedAt = tc.StartedAt
		}
		// A parked outcome already carries the later status.
		if e.invoked && merged.Status.CanTransition(tc.Status) {
			merged.Status = tc.Status
		}
		e.call = merged
	}
	e.invoked = true
	e.messageID = messageID
	return e.call.Clone()
}

// RecordOutcome applies an outcome and returns the id of the message holding
// the call. An outcome for an unknown call is parked so a later invocation
// picks it up, and an *OrphanError is returned. Outcomes for calls already in
// a final status are ignored: applied is false and err is nil.
func (t *Table) RecordOutcome(toolCallID string, o Outcome) (messageID string, applied bool, err error) {
	e, ok := t.entries[toolCallID]
	if !ok {
		t.entries[toolCallID] = &entry{call: transcript.ToolCall{
			ID:      toolCallID,
			Status:  o.Status,
			Result:  o.Result,
			EndedAt: o.At,
		}}
		return "", false, &OrphanError{SessionID: t.sessionID, ToolCallID: toolCallID}
	}
	if !e.invoked {
		// Second outcome for a still-unknown call: last writer wins.
		e.call.Status = o.Status
		e.call.Result = o.Result
		e.call.EndedAt = o.At
		return "", false, &OrphanError{SessionID: t.sessionID, ToolCallID: toolCallID}
	}
	if !e.call.Status.CanTransition(o.Status) {
		t.logger.Debug("ignoring outcome for finished tool call",
			"session", t.sessionID, "tool_call", toolCallID,
			"status", e.call.Status, "outcome", o.Status)
		return e.messageID, false, nil
	}
	e.call.Status = o.Status
	e.call.Result = o.Result
	if o.Status.IsTerminal() || o.Status == transcript.ToolCancelled {
		e.call.EndedAt = o.At
	}
	return e.messageID, true, nil
}

// CancelRunning marks every invoked call without an outcome as cancelled and
// returns the calls that changed with the ids of their messages.
func (t *Table) CancelRunning(at time.Time) []Change {
	var changes []Change
	for id, e := range t.entries {
		if !e.invoked {
			continue
		}
		if e.call.Status != transcript.ToolRunning && e.call.Status != transcript.ToolPending {
			continue
		}
		e.call.Status = transcript.ToolCancelled
		e.call.EndedAt = at
		changes = append(changes, Change{MessageID: e.messageID, Call: e.call.Clone()})
		t.logger.Debug("cancelled tool call", "session", t.sessionID, "tool_call", id)
	}
	return changes
}

// Change is a tool call update together with its message.
type Change struct {
	MessageID string
	Call      transcript.ToolCall
}

// Snapshot returns a copy of the call, or false when it was never invoked.
func (t *Table) Snapshot(toolCallID string) (transcript.ToolCall, bool) {
	e, ok := t.entries[toolCallID]
	if !ok || !e.invoked {
		return transcript.ToolCall{}, false
	}
	return e.call.Clone(), true
}

// Reconcile brings the message's tool calls up to date with the table and
// reports whether anything changed.
func (t *Table) Reconcile(m *transcript.Message) bool {
	changed := false
	for i := range m.ToolCalls {
		tc := &m.ToolCalls[i]
		e, ok := t.entries[tc.ID]
		if !ok || !e.invoked {
			continue
		}
		if tc.Status == e.call.Status {
			continue
		}
		if !tc.Status.CanTransition(e.call.Status) {
			continue
		}
		tc.Status = e.call.Status
		tc.Result = e.call.Result
		tc.EndedAt = e.call.EndedAt
		changed = true
	}
	return changed
}

// Len returns the number of entries, parked outcomes included.
func (t *Table) Len() int {
	return len(t.entries)
}

// Reset drops every entry.
func (t *Table) Reset() {
	clear(t.entries)
}
