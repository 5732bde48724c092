package remote

import (
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// Frame types sent to WebSocket clients.
const (
	FrameMessageAppended = "message_appended"
	FrameMessageUpdated  = "message_updated"
	FrameToolCallUpdated = "tool_call_updated"
	FrameStateChanged    = "state_changed"
	FrameQuestion        = "question_dispatched"
	FrameLoadCompleted   = "load_completed"
	FrameSessionClosed   = "session_closed"
)

// Frame is the JSON form of a reconciler event.
type Frame struct {
	Message   *transcript.Message    `json:"message,omitempty"`
	ToolCall  *transcript.ToolCall   `json:"tool_call,omitempty"`
	State     *reconcile.State       `json:"state,omitempty"`
	Question  *sessionstate.Question `json:"question,omitempty"`
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id"`
	MessageID string                 `json:"message_id,omitempty"`
	Count     int                    `json:"count,omitempty"`
	Failures  int                    `json:"failures,omitempty"`
}

// toFrame converts ev. Unknown events yield false.
func toFrame(ev reconcile.Event) (Frame, bool) {
	f := Frame{SessionID: ev.Session()}
	switch e := ev.(type) {
	case reconcile.MessageAppended:
		f.Type = FrameMessageAppended
		f.Message = &e.Message
		f.MessageID = e.Message.ID
	case reconcile.MessageUpdated:
		f.Type = FrameMessageUpdated
		f.Message = &e.Message
		f.MessageID = e.Message.ID
	case reconcile.ToolCallUpdated:
		f.Type = FrameToolCallUpdated
		f.MessageID = e.MessageID
		f.ToolCall = &e.ToolCall
	case reconcile.StateChanged:
		f.Type = FrameStateChanged
		f.State = &e.State
	case reconcile.QuestionDispatched:
		f.Type = FrameQuestion
		f.Question = &e.Question
	case reconcile.LoadCompleted:
		f.Type = FrameLoadCompleted
		f.Count = e.Count
		f.Failures = e.Failures
	case reconcile.SessionClosed:
		f.Type = FrameSessionClosed
	default:
		return Frame{}, false
	}
	return f, true
}
