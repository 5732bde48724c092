// Package transcript holds the UI-facing model the reconciler produces:
// ordered messages whose timelines interleave content with tool calls.
package transcript

import (
	"strings"
	"time"
)

// Role identifies who a message is attributed to.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleError     Role = "error"
)

// MessageStatus is the assembly state of a message.
type MessageStatus string

const (
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusFailed    MessageStatus = "failed"
)

// Usage tracks token usage for one assistant message.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Message is one logical turn as shown to consumers.
type Message struct {
	CreatedAt time.Time     `json:"created_at"`
	Usage     *Usage        `json:"usage,omitempty"`
	ID        string        `json:"id" jsonschema:"description=Record id of the turn or a deterministic id derived from its content"`
	SessionID string        `json:"session_id"`
	ParentID  string        `json:"parent_id,omitempty"`
	Model     string        `json:"model,omitempty"`
	Role      Role          `json:"role" jsonschema:"enum=user,enum=assistant,enum=system,enum=error"`
	Status    MessageStatus `json:"status" jsonschema:"enum=streaming,enum=complete,enum=failed"`
	Timeline  Timeline      `json:"timeline" jsonschema:"description=Content and tool call references in rendering order"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	SourceIDs []string      `json:"source_ids,omitempty" jsonschema:"description=Ids of the records folded into this message"`
}

// Text returns the message's text items in order. Adjacent text is already
// merged during assembly, so separate items are joined by a blank line.
func (m *Message) Text() string {
	var parts []string
	for _, item := range m.Timeline {
		if c, ok := item.(ContentItem); ok && c.Kind == KindText {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// HasContent reports whether the message has anything worth rendering:
// non-blank text, an image, or a tool call.
func (m *Message) HasContent() bool {
	if len(m.ToolCalls) > 0 {
		return true
	}
	for _, item := range m.Timeline {
		c, ok := item.(ContentItem)
		if !ok {
			continue
		}
		switch c.Kind {
		case KindText:
			if strings.TrimSpace(c.Text) != "" {
				return true
			}
		case KindImage:
			return true
		}
	}
	return false
}

// HasSource reports whether the record id was folded into this message.
func (m *Message) HasSource(recordID string) bool {
	if recordID == "" {
		return false
	}
	for _, id := range m.SourceIDs {
		if id == recordID {
			return true
		}
	}
	return false
}

// ToolCall returns a pointer to the tool call with the given id, or nil.
func (m *Message) ToolCall(id string) *ToolCall {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == id {
			return &m.ToolCalls[i]
		}
	}
	return nil
}

// AppendText appends text, merging into the trailing item when it has the
// same kind. Streaming deltas are non-overlapping chunks, so plain
// concatenation is correct.
func (m *Message) AppendText(kind ContentKind, text string) {
	if text == "" {
		return
	}
	if n := len(m.Timeline); n > 0 {
		if last, ok := m.Timeline[n-1].(ContentItem); ok && last.Kind == kind {
			last.Text += text
			m.Timeline[n-1] = last
			return
		}
	}
	m.Timeline = append(m.Timeline, ContentItem{Kind: kind, Text: text})
}

// AddToolCall inserts a tool call into the timeline and the derived list.
// A call whose id is already present is replaced in place.
func (m *Message) AddToolCall(tc ToolCall) {
	if existing := m.ToolCall(tc.ID); existing != nil {
		*existing = tc
		return
	}
	m.ToolCalls = append(m.ToolCalls, tc)
	m.Timeline = append(m.Timeline, ToolCallItem{ToolCallID: tc.ID})
}

// Clone returns a deep copy safe to hand to another goroutine.
func (m Message) Clone() Message {
	if m.Usage != nil {
		u := *m.Usage
		m.Usage = &u
	}
	if m.Timeline != nil {
		m.Timeline = append(Timeline(nil), m.Timeline...)
	}
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i := range m.ToolCalls {
			calls[i] = m.ToolCalls[i].Clone()
		}
		m.ToolCalls = calls
	}
	if m.SourceIDs != nil {
		m.SourceIDs = append([]string(nil), m.SourceIDs...)
	}
	return m
}
