package transcript

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolStatus is the execution state of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolSuccess   ToolStatus = "success"
	ToolFailed    ToolStatus = "failed"
	ToolCancelled ToolStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s ToolStatus) IsTerminal() bool {
	return s == ToolSuccess || s == ToolFailed
}

// CanTransition reports whether moving from s to next is allowed. Statuses
// only move forward; a cancelled call may still learn its real outcome.
func (s ToolStatus) CanTransition(next ToolStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case ToolPending:
		return true
	case ToolRunning:
		return next != ToolPending
	case ToolCancelled:
		return next == ToolSuccess || next == ToolFailed
	default:
		return false
	}
}

// ToolResult is the outcome of a finished tool call: SuccessResult or
// FailureResult.
type ToolResult interface {
	toolResult()
}

// SuccessResult is a tool outcome without error.
type SuccessResult struct {
	Output  string `json:"output"`
	Summary string `json:"summary,omitempty"`
}

func (SuccessResult) toolResult() {}

// FailureResult is a tool outcome flagged as an error.
type FailureResult struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (FailureResult) toolResult() {}

// ToolCall is a tool invocation and its eventual outcome.
type ToolCall struct {
	StartedAt  time.Time              `json:"started_at"`
	EndedAt    time.Time              `json:"ended_at,omitempty"`
	Result     ToolResult             `json:"-"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Status     ToolStatus             `json:"status"`
}

// Clone returns a deep copy of the call.
func (tc ToolCall) Clone() ToolCall {
	if tc.Parameters != nil {
		tc.Parameters = DeepCopyMap(tc.Parameters)
	}
	return tc
}

type toolResultWire struct {
	Kind    string `json:"kind"`
	Output  string `json:"output,omitempty"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

type toolCallWire struct {
	toolCallAlias
	Result *toolResultWire `json:"result,omitempty"`
}

type toolCallAlias ToolCall

// MarshalJSON encodes the result with a kind discriminator.
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	w := toolCallWire{toolCallAlias: toolCallAlias(tc)}
	switch r := tc.Result.(type) {
	case SuccessResult:
		w.Result = &toolResultWire{Kind: "success", Output: r.Output, Summary: r.Summary}
	case FailureResult:
		w.Result = &toolResultWire{Kind: "failure", Error: r.Error, Details: r.Details}
	case nil:
	default:
		return nil, fmt.Errorf("unknown tool result type %T", r)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes what MarshalJSON produces.
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w toolCallWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*tc = ToolCall(w.toolCallAlias)
	if w.Result == nil {
		return nil
	}
	switch w.Result.Kind {
	case "success":
		tc.Result = SuccessResult{Output: w.Result.Output, Summary: w.Result.Summary}
	case "failure":
		tc.Result = FailureResult{Error: w.Result.Error, Details: w.Result.Details}
	default:
		return fmt.Errorf("unknown tool result kind %q", w.Result.Kind)
	}
	return nil
}

// DeepCopyMap clones the container types JSON decoding produces.
func DeepCopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	return deepCopyInterface(m).(map[string]interface{})
}

func deepCopyInterface(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(val))
		for k, v := range val {
			cp[k] = deepCopyInterface(v)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, v := range val {
			cp[i] = deepCopyInterface(v)
		}
		return cp
	default:
		return v
	}
}
