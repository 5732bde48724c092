package protocol

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ContentBlockType discriminates between content block kinds.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
	ContentBlockTypeImage      ContentBlockType = "image"
)

// ContentBlock is the interface for all content blocks.
type ContentBlock interface {
	BlockType() ContentBlockType
}

// TextBlock is plain text.
type TextBlock struct {
	Type ContentBlockType `json:"type"`
	Text string           `json:"text"`
}

// BlockType returns the block type.
func (b TextBlock) BlockType() ContentBlockType { return ContentBlockTypeText }

// ThinkingBlock is extended-thinking output.
type ThinkingBlock struct {
	Type      ContentBlockType `json:"type"`
	Thinking  string           `json:"thinking"`
	Signature string           `json:"signature,omitempty"`
}

// BlockType returns the block type.
func (b ThinkingBlock) BlockType() ContentBlockType { return ContentBlockTypeThinking }

// ToolUseBlock is a tool invocation.
type ToolUseBlock struct {
	Input map[string]interface{} `json:"input"`
	Type  ContentBlockType       `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
}

// BlockType returns the block type.
func (b ToolUseBlock) BlockType() ContentBlockType { return ContentBlockTypeToolUse }

// ToolResultBlock is a tool outcome echoed back in a user line.
type ToolResultBlock struct {
	IsError   *bool            `json:"is_error,omitempty"`
	Type      ContentBlockType `json:"type"`
	ToolUseID string           `json:"tool_use_id"`
	Content   FlexibleContent  `json:"content"`
}

// BlockType returns the block type.
func (b ToolResultBlock) BlockType() ContentBlockType { return ContentBlockTypeToolResult }

// Failed reports whether the outcome was flagged as an error.
func (b ToolResultBlock) Failed() bool {
	return b.IsError != nil && *b.IsError
}

// Text flattens the result body. Array bodies contribute their text blocks
// joined by newlines; images and other block kinds are dropped.
func (b ToolResultBlock) Text() string {
	if s, ok := b.Content.AsString(); ok {
		return s
	}
	blocks, ok := b.Content.AsBlocks()
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(blocks))
	for _, inner := range blocks {
		if tb, ok := inner.(TextBlock); ok {
			parts = append(parts, tb.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ImageBlock is an inline image. Only its presence is tracked.
type ImageBlock struct {
	Source json.RawMessage  `json:"source,omitempty"`
	Type   ContentBlockType `json:"type"`
}

// BlockType returns the block type.
func (b ImageBlock) BlockType() ContentBlockType { return ContentBlockTypeImage }

// ContentBlocks is a slice of content blocks that skips unknown kinds while
// decoding.
type ContentBlocks []ContentBlock

// UnmarshalJSON implements json.Unmarshaler.
func (cb *ContentBlocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(ContentBlocks, 0, len(raws))
	for _, raw := range raws {
		block, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		if block != nil {
			out = append(out, block)
		}
	}
	*cb = out
	return nil
}

// UnmarshalContentBlock decodes a single block. Unknown kinds yield (nil, nil)
// so newer agent versions do not break older readers.
func UnmarshalContentBlock(raw json.RawMessage) (ContentBlock, error) {
	var base struct {
		Type ContentBlockType `json:"type"`
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		return nil, err
	}
	switch base.Type {
	case ContentBlockTypeText:
		return decodeAs[TextBlock](raw)
	case ContentBlockTypeThinking:
		return decodeAs[ThinkingBlock](raw)
	case ContentBlockTypeToolUse:
		return decodeAs[ToolUseBlock](raw)
	case ContentBlockTypeToolResult:
		return decodeAs[ToolResultBlock](raw)
	case ContentBlockTypeImage:
		return decodeAs[ImageBlock](raw)
	default:
		slog.Debug("skipping unknown content block type", "type", base.Type)
		return nil, nil
	}
}

func decodeAs[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
