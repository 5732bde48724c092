// Package record turns raw event lines into typed records.
package record

import (
	"strings"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub002/protocol"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// Kind classifies a record.
type Kind int

const (
	KindSystemNotice Kind = iota
	KindUserTurn
	KindAssistantTurn
	KindResultSummary
	KindStreamEvent
)

func (k Kind) String() string {
	switch k {
	case KindUserTurn:
		return "user"
	case KindAssistantTurn:
		return "assistant"
	case KindResultSummary:
		return "result"
	case KindStreamEvent:
		return "stream_event"
	default:
		return "system"
	}
}

// Block is one content block: Text, Thought, ToolInvocation, ToolOutcome or
// Image.
type Block interface {
	block()
}

// Text is plain assistant or user text.
type Text struct {
	Text string
}

// Thought is model reasoning.
type Thought struct {
	Text string
}

// ToolInvocation is a tool_use block.
type ToolInvocation struct {
	Parameters map[string]interface{}
	ID         string
	Name       string
}

// ToolOutcome is a tool_result block.
type ToolOutcome struct {
	ToolCallID  string
	Body        string
	Details     string
	IsError     bool
	Interrupted bool
}

// Image is an attached image. Only its presence is kept.
type Image struct{}

func (Text) block()           {}
func (Thought) block()        {}
func (ToolInvocation) block() {}
func (ToolOutcome) block()    {}
func (Image) block()          {}

// Result converts the outcome into the consumer-facing result.
func (o ToolOutcome) Result() (transcript.ToolStatus, transcript.ToolResult) {
	if o.IsError {
		return transcript.ToolFailed, transcript.FailureResult{Error: o.Body, Details: o.Details}
	}
	return transcript.ToolSuccess, transcript.SuccessResult{Output: o.Body, Summary: firstLine(o.Body)}
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// Record is one parsed line. Records are not modified after parsing.
type Record struct {
	Timestamp time.Time
	Usage     *transcript.Usage
	// Stream is set for KindStreamEvent records with a recognised event.
	Stream protocol.StreamEventData

	Kind      Kind
	Format    protocol.Format
	RecordID  string
	ParentID  string
	SessionID string
	// TurnID groups records of one assistant turn: the inner message id,
	// else the record id.
	TurnID     string
	Model      string
	StopReason string
	Subtype    string
	// Body is the text of a notice or result.
	Body string
	// ErrorText is set when the record reports a failed turn.
	ErrorText string
	Blocks    []Block

	// SyntheticID reports that RecordID was derived from the line content.
	SyntheticID bool
	IsMeta      bool
	IsSidechain bool
	IsError     bool
	// Interrupt marks the user-interrupt marker the agent writes.
	Interrupt bool
}

// InterruptMarker prefixes the text the agent records when the user stops a
// turn.
const InterruptMarker = "[Request interrupted by user"

// Outcomes returns the record's tool_result blocks.
func (r *Record) Outcomes() []ToolOutcome {
	var out []ToolOutcome
	for _, b := range r.Blocks {
		if o, ok := b.(ToolOutcome); ok {
			out = append(out, o)
		}
	}
	return out
}

// OnlyOutcomes reports whether every block is a tool result. Such user
// records echo tool output back to the model and are not shown.
func (r *Record) OnlyOutcomes() bool {
	if len(r.Blocks) == 0 {
		return false
	}
	for _, b := range r.Blocks {
		if _, ok := b.(ToolOutcome); !ok {
			return false
		}
	}
	return true
}

// EndsTurn reports whether the record closes the pending assistant turn.
func (r *Record) EndsTurn() bool {
	switch r.Kind {
	case KindUserTurn, KindResultSummary:
		return true
	case KindAssistantTurn:
		return r.StopReason != ""
	case KindStreamEvent:
		switch ev := r.Stream.(type) {
		case protocol.MessageStopEvent:
			return true
		case protocol.MessageDeltaEvent:
			return ev.Delta.StopReason != nil && *ev.Delta.StopReason != ""
		}
		return false
	default:
		return r.Interrupt || r.Failed()
	}
}

// Failed reports whether the record reports an agent-side error.
func (r *Record) Failed() bool {
	switch r.Kind {
	case KindResultSummary:
		return r.IsError
	case KindSystemNotice:
		return r.Subtype == "api_error"
	}
	return false
}
