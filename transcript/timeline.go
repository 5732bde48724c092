package transcript

import (
	"encoding/json"
	"fmt"
)

// ContentKind discriminates ContentItem payloads.
type ContentKind string

const (
	KindText    ContentKind = "text"
	KindThought ContentKind = "thought"
	KindImage   ContentKind = "image"
)

// TimelineItem is one entry in a message timeline: ContentItem or
// ToolCallItem.
type TimelineItem interface {
	timelineItem()
}

// ContentItem is a run of text or reasoning.
type ContentItem struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
}

func (ContentItem) timelineItem() {}

// ToolCallItem marks where a tool call renders. The call itself lives in
// Message.ToolCalls.
type ToolCallItem struct {
	ToolCallID string `json:"tool_call_id"`
}

func (ToolCallItem) timelineItem() {}

// Timeline is the ordered rendering sequence of a message.
type Timeline []TimelineItem

type timelineWire struct {
	Type       string      `json:"type"`
	Kind       ContentKind `json:"kind,omitempty"`
	Text       string      `json:"text,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// MarshalJSON tags each item with "content" or "tool_call".
func (t Timeline) MarshalJSON() ([]byte, error) {
	out := make([]timelineWire, 0, len(t))
	for _, item := range t {
		switch it := item.(type) {
		case ContentItem:
			out = append(out, timelineWire{Type: "content", Kind: it.Kind, Text: it.Text})
		case ToolCallItem:
			out = append(out, timelineWire{Type: "tool_call", ToolCallID: it.ToolCallID})
		default:
			return nil, fmt.Errorf("unknown timeline item %T", item)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes what MarshalJSON produces.
func (t *Timeline) UnmarshalJSON(data []byte) error {
	var raw []timelineWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	items := make(Timeline, 0, len(raw))
	for _, w := range raw {
		switch w.Type {
		case "content":
			items = append(items, ContentItem{Kind: w.Kind, Text: w.Text})
		case "tool_call":
			items = append(items, ToolCallItem{ToolCallID: w.ToolCallID})
		default:
			return fmt.Errorf("unknown timeline item type %q", w.Type)
		}
	}
	*t = items
	return nil
}
