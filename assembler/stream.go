package assembler

import (
	"encoding/json"
	"strings"

	"github.com/touwaeriol/claude-code-plus-sub002/protocol"
	"github.com/touwaeriol/claude-code-plus-sub002/record"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// streamState tracks the message being assembled from stream events.
type streamState struct {
	blocks map[int]*blockState
	turn   string
	// ignore drops content events: the turn is already resident, or
	// complete records have taken over.
	ignore bool
}

// blockState tracks a content block being assembled from deltas.
type blockState struct {
	blockType   protocol.ContentBlockType
	toolID      string
	toolName    string
	partialJSON strings.Builder
}

func (a *Assembler) ingestStream(rec *record.Record, resident Lookup) []Outcome {
	switch ev := rec.Stream.(type) {
	case protocol.MessageStartEvent:
		return a.streamStart(rec, resident)
	case protocol.ContentBlockStartEvent:
		return a.blockStart(rec, ev)
	case protocol.ContentBlockDeltaEvent:
		return a.blockDelta(ev)
	case protocol.ContentBlockStopEvent:
		return a.blockStop(ev)
	case protocol.MessageDeltaEvent:
		if s := a.streamingPending(); s != nil && rec.Usage != nil {
			u := *rec.Usage
			s.Usage = &u
		}
		if rec.EndsTurn() && a.streamingPending() != nil {
			return a.finalizePending(transcript.StatusComplete)
		}
	case protocol.MessageStopEvent:
		if a.streamingPending() != nil {
			return a.finalizePending(transcript.StatusComplete)
		}
		a.stream = nil
	}
	return nil
}

// streamingPending returns the pending message when it is the streamed turn.
func (a *Assembler) streamingPending() *transcript.Message {
	if a.stream == nil || a.pending == nil || a.pending.ID != a.stream.turn {
		return nil
	}
	return a.pending
}

// accepting returns the pending message when stream content may grow it.
func (a *Assembler) accepting() *transcript.Message {
	if a.stream == nil || a.stream.ignore {
		return nil
	}
	return a.streamingPending()
}

func (a *Assembler) streamStart(rec *record.Record, resident Lookup) []Outcome {
	out := a.finalizePending(transcript.StatusComplete)
	turn := rec.TurnID
	if turn == "" {
		turn = rec.RecordID
	}
	a.stream = &streamState{blocks: make(map[int]*blockState), turn: turn}
	if _, ok := resident(turn); ok {
		a.stream.ignore = true
		return out
	}
	m := a.newMessage(rec, turn, transcript.RoleAssistant)
	m.SourceIDs = nil
	a.pending = &m
	a.streamed[turn] = struct{}{}
	return out
}

func (a *Assembler) blockStart(rec *record.Record, ev protocol.ContentBlockStartEvent) []Outcome {
	p := a.accepting()
	if p == nil {
		return nil
	}
	blk, err := ev.Block()
	if err != nil || blk == nil {
		return nil
	}
	state := &blockState{blockType: blk.BlockType()}
	a.stream.blocks[ev.Index] = state

	tu, ok := blk.(protocol.ToolUseBlock)
	if !ok {
		return nil
	}
	state.toolID = tu.ID
	state.toolName = tu.Name
	p.AddToolCall(a.table.RecordInvocation(p.ID, transcript.ToolCall{
		ID:        tu.ID,
		Name:      tu.Name,
		Status:    transcript.ToolPending,
		StartedAt: rec.Timestamp,
	}))
	return a.updated()
}

func (a *Assembler) blockDelta(ev protocol.ContentBlockDeltaEvent) []Outcome {
	p := a.accepting()
	if p == nil {
		return nil
	}
	state, ok := a.stream.blocks[ev.Index]
	if !ok {
		return nil
	}
	delta, err := ev.ParsedDelta()
	if err != nil {
		return nil
	}
	switch d := delta.(type) {
	case protocol.TextDelta:
		p.AppendText(transcript.KindText, d.Text)
		return a.updated()
	case protocol.ThinkingDelta:
		p.AppendText(transcript.KindThought, d.Thinking)
		return a.updated()
	case protocol.InputJSONDelta:
		state.partialJSON.WriteString(d.PartialJSON)
	}
	return nil
}

func (a *Assembler) blockStop(ev protocol.ContentBlockStopEvent) []Outcome {
	p := a.accepting()
	if p == nil {
		return nil
	}
	state, ok := a.stream.blocks[ev.Index]
	if !ok {
		return nil
	}
	delete(a.stream.blocks, ev.Index)
	if state.blockType != protocol.ContentBlockTypeToolUse {
		return nil
	}

	input := make(map[string]interface{})
	if state.partialJSON.Len() > 0 {
		if err := json.Unmarshal([]byte(state.partialJSON.String()), &input); err != nil {
			a.logger.Debug("discarding malformed tool input", "session", a.sessionID, "tool_call", state.toolID, "error", err)
			input = make(map[string]interface{})
		}
	}
	p.AddToolCall(a.table.RecordInvocation(p.ID, transcript.ToolCall{
		ID:         state.toolID,
		Name:       state.toolName,
		Parameters: input,
		Status:     transcript.ToolRunning,
	}))
	return a.updated()
}
