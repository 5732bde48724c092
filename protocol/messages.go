// Package protocol defines the line vocabulary written by the coding agent:
// native history JSONL, live stream-json NDJSON and the SDK recorder
// envelope. It only decodes; interpretation lives in package record.
package protocol

import (
	"encoding/json"
	"strings"
)

// MessageType discriminates between line kinds.
type MessageType string

const (
	MessageTypeSystem      MessageType = "system"
	MessageTypeAssistant   MessageType = "assistant"
	MessageTypeUser        MessageType = "user"
	MessageTypeResult      MessageType = "result"
	MessageTypeStreamEvent MessageType = "stream_event"
	MessageTypeSummary     MessageType = "summary"
)

// Format identifies which of the supported line shapes an envelope came from.
type Format int

const (
	FormatNative   Format = iota // ~/.claude/projects history JSONL
	FormatLive                   // stream-json stdout
	FormatRecorder               // {timestamp, direction, message}
)

func (f Format) String() string {
	switch f {
	case FormatNative:
		return "native"
	case FormatLive:
		return "live"
	case FormatRecorder:
		return "recorder"
	default:
		return "unknown"
	}
}

// Usage tracks token usage.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool {
	return u == Usage{}
}

// FlexibleContent can be either a string or an array of content blocks.
type FlexibleContent struct {
	raw json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (fc *FlexibleContent) UnmarshalJSON(data []byte) error {
	fc.raw = append(fc.raw[:0], data...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (fc FlexibleContent) MarshalJSON() ([]byte, error) {
	if fc.raw == nil {
		return []byte("null"), nil
	}
	return fc.raw, nil
}

// IsString returns true if the content is a JSON string.
func (fc FlexibleContent) IsString() bool {
	return len(fc.raw) > 0 && fc.raw[0] == '"'
}

// AsString returns the content as a string (if it is one).
func (fc FlexibleContent) AsString() (string, bool) {
	if !fc.IsString() {
		return "", false
	}
	var s string
	if err := json.Unmarshal(fc.raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// AsBlocks returns the content as content blocks (if it is an array).
func (fc FlexibleContent) AsBlocks() (ContentBlocks, bool) {
	if len(fc.raw) == 0 || fc.raw[0] != '[' {
		return nil, false
	}
	var blocks ContentBlocks
	if err := json.Unmarshal(fc.raw, &blocks); err != nil {
		return nil, false
	}
	return blocks, true
}

// Blocks normalizes string content into a single text block.
func (fc FlexibleContent) Blocks() ContentBlocks {
	if s, ok := fc.AsString(); ok {
		if s == "" {
			return nil
		}
		return ContentBlocks{TextBlock{Type: ContentBlockTypeText, Text: s}}
	}
	blocks, _ := fc.AsBlocks()
	return blocks
}

// MessageContent is the inner message of user and assistant lines.
type MessageContent struct {
	StopReason *string         `json:"stop_reason"`
	Usage      *Usage          `json:"usage,omitempty"`
	ID         string          `json:"id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Role       string          `json:"role"`
	Content    FlexibleContent `json:"content"`
}

// ToolUseResult is the structured tool outcome the native format stores next
// to a tool_result block.
type ToolUseResult struct {
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
}

// Envelope is the union of the outer fields all three formats carry.
// Native lines use camelCase identifiers, live lines use snake_case; both are
// decoded and merged by the accessors.
type Envelope struct {
	Message         *MessageContent `json:"message,omitempty"`
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`
	Usage           *Usage          `json:"usage,omitempty"`
	Type            MessageType     `json:"type"`
	Subtype         string          `json:"subtype,omitempty"`
	UUID            string          `json:"uuid,omitempty"`
	ParentUUID      string          `json:"parentUuid,omitempty"`
	SessionIDCamel  string          `json:"sessionId,omitempty"`
	SessionIDSnake  string          `json:"session_id,omitempty"`
	Timestamp       string          `json:"timestamp,omitempty"`
	Result          string          `json:"result,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Content         json.RawMessage `json:"content,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
	Event           json.RawMessage `json:"event,omitempty"`
	ToolUseResult   json.RawMessage `json:"toolUseResult,omitempty"`
	DurationMs      int64           `json:"duration_ms,omitempty"`
	NumTurns        int             `json:"num_turns,omitempty"`
	TotalCostUSD    float64         `json:"total_cost_usd,omitempty"`
	IsError         bool            `json:"is_error,omitempty"`
	IsSidechain     bool            `json:"isSidechain,omitempty"`
	IsMeta          bool            `json:"isMeta,omitempty"`

	// Format is set by Unwrap.
	Format Format `json:"-"`
}

// SessionID returns whichever session identifier the line carries.
func (e *Envelope) SessionID() string {
	if e.SessionIDCamel != "" {
		return e.SessionIDCamel
	}
	return e.SessionIDSnake
}

// TextContent returns the top-level "content" field when it is a string.
// System notices in the native format carry their body there.
func (e *Envelope) TextContent() string {
	if len(e.Content) == 0 || e.Content[0] != '"' {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Content, &s); err != nil {
		return ""
	}
	return s
}

// ErrorText flattens the "error" field, which is either a string or an
// object with a message.
func (e *Envelope) ErrorText() string {
	if len(e.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error.Message != "" {
			return obj.Error.Message
		}
	}
	return strings.TrimSpace(string(e.Error))
}

// DecodeToolUseResult decodes the native toolUseResult payload. Payloads that
// are plain strings become Stderr text, matching how the agent records
// rejected tool calls.
func (e *Envelope) DecodeToolUseResult() *ToolUseResult {
	if len(e.ToolUseResult) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(e.ToolUseResult, &s); err == nil {
		return &ToolUseResult{Stderr: s}
	}
	var r ToolUseResult
	if err := json.Unmarshal(e.ToolUseResult, &r); err != nil {
		return nil
	}
	if r == (ToolUseResult{}) {
		return nil
	}
	return &r
}
