// Package assembler folds records of one logical turn into a single message.
//
// Each session owns one Assembler with at most one pending message. Records
// continuing the pending turn grow it; a record that ends the turn, or that
// belongs to a different turn, finalizes it.
package assembler

import (
	"log/slog"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/record"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// Outcome is the result of ingesting a record: MessageUpdated or
// MessageFinalized. Ingest returns no outcomes for a no-op.
type Outcome interface {
	outcome()
}

// MessageUpdated carries a pending message that grew.
type MessageUpdated struct {
	Message transcript.Message
}

// MessageFinalized carries a message whose turn ended.
type MessageFinalized struct {
	Message transcript.Message
}

func (MessageUpdated) outcome()   {}
func (MessageFinalized) outcome() {}

// Correlator is the part of the tool correlation table the assembler needs.
type Correlator interface {
	RecordInvocation(messageID string, tc transcript.ToolCall) transcript.ToolCall
	Reconcile(m *transcript.Message) bool
}

// Lookup returns a copy of a message the caller still holds.
type Lookup func(id string) (transcript.Message, bool)

// Config configures an Assembler.
type Config struct {
	Logger *slog.Logger
	// IncludeSidechains keeps sub-agent records instead of skipping them.
	IncludeSidechains bool
}

// Assembler is not safe for concurrent use; the owning session serializes
// access.
type Assembler struct {
	table     Correlator
	logger    *slog.Logger
	pending   *transcript.Message
	stream    *streamState
	streamed  map[string]struct{}
	folded    map[string]struct{}
	sessionID string
	cfg       Config
}

// New creates an Assembler for one session.
func New(sessionID string, table Correlator, cfg Config) *Assembler {
	return &Assembler{
		table:     table,
		logger:    logging.OrDefault(cfg.Logger),
		streamed:  make(map[string]struct{}),
		folded:    make(map[string]struct{}),
		sessionID: sessionID,
		cfg:       cfg,
	}
}

// Ingest folds one record into the session's messages. resident may be nil.
func (a *Assembler) Ingest(rec *record.Record, resident Lookup) []Outcome {
	if resident == nil {
		resident = func(string) (transcript.Message, bool) { return transcript.Message{}, false }
	}
	if rec.IsSidechain && !a.cfg.IncludeSidechains {
		return nil
	}
	switch rec.Kind {
	case record.KindUserTurn:
		if rec.IsMeta {
			return nil
		}
		return a.ingestUser(rec, resident)
	case record.KindAssistantTurn:
		return a.ingestAssistant(rec, resident)
	case record.KindStreamEvent:
		return a.ingestStream(rec, resident)
	case record.KindResultSummary:
		return a.ingestResult(rec, resident)
	default:
		return a.ingestNotice(rec, resident)
	}
}

// Flush finalizes the pending message, if any, with the given status. The
// transport calls it when it learns a turn ended before the log says so.
func (a *Assembler) Flush(status transcript.MessageStatus) []Outcome {
	return a.finalizePending(status)
}

// Reset drops all in-progress state.
func (a *Assembler) Reset() {
	a.pending = nil
	a.stream = nil
	clear(a.streamed)
	clear(a.folded)
}

// Folded reports whether a user, result or turn-ending notice record with
// this id was already ingested.
func (a *Assembler) Folded(recordID string) bool {
	_, ok := a.folded[recordID]
	return ok
}

// replayed reports whether rec was folded before and remembers it otherwise.
// A replayed record must not touch the pending turn.
func (a *Assembler) replayed(rec *record.Record, resident Lookup) bool {
	if _, ok := a.folded[rec.RecordID]; ok {
		return true
	}
	a.folded[rec.RecordID] = struct{}{}
	m, ok := resident(rec.RecordID)
	return ok && m.HasSource(rec.RecordID)
}

func (a *Assembler) ingestUser(rec *record.Record, resident Lookup) []Outcome {
	if a.replayed(rec, resident) {
		return nil
	}
	out := a.finalizePending(transcript.StatusComplete)
	if rec.Interrupt || rec.OnlyOutcomes() {
		return out
	}

	m := a.newMessage(rec, rec.RecordID, transcript.RoleUser)
	for _, b := range rec.Blocks {
		switch blk := b.(type) {
		case record.Text:
			m.AppendText(transcript.KindText, blk.Text)
		case record.Image:
			m.Timeline = append(m.Timeline, transcript.ContentItem{Kind: transcript.KindImage})
		}
	}
	return append(out, a.finalize(m, transcript.StatusComplete)...)
}

func (a *Assembler) ingestAssistant(rec *record.Record, resident Lookup) []Outcome {
	var out []Outcome
	turn := rec.TurnID
	if a.pending != nil && a.pending.ID != turn {
		if m, ok := resident(turn); ok && m.HasSource(rec.RecordID) {
			return nil
		}
		out = a.finalizePending(transcript.StatusComplete)
	}

	if a.pending == nil {
		if m, ok := resident(turn); ok {
			if m.HasSource(rec.RecordID) {
				return out
			}
			m = m.Clone()
			a.pending = &m
		} else {
			m := a.newMessage(rec, turn, transcript.RoleAssistant)
			m.SourceIDs = nil
			a.pending = &m
		}
	} else if a.pending.HasSource(rec.RecordID) {
		return out
	}

	if _, ok := a.streamed[turn]; ok {
		// Complete records supersede content assembled from deltas.
		delete(a.streamed, turn)
		a.pending.Timeline = nil
		a.pending.ToolCalls = nil
		if a.stream != nil {
			a.stream.ignore = true
		}
	}

	p := a.pending
	p.SourceIDs = append(p.SourceIDs, rec.RecordID)
	p.Status = transcript.StatusStreaming
	if rec.Model != "" {
		p.Model = rec.Model
	}
	if rec.Usage != nil {
		u := *rec.Usage
		p.Usage = &u
	}
	for _, b := range rec.Blocks {
		switch blk := b.(type) {
		case record.Text:
			p.AppendText(transcript.KindText, blk.Text)
		case record.Thought:
			p.AppendText(transcript.KindThought, blk.Text)
		case record.ToolInvocation:
			p.AddToolCall(a.table.RecordInvocation(p.ID, transcript.ToolCall{
				ID:         blk.ID,
				Name:       blk.Name,
				Parameters: blk.Parameters,
				Status:     transcript.ToolRunning,
				StartedAt:  rec.Timestamp,
			}))
		}
	}

	if rec.EndsTurn() {
		return append(out, a.finalizePending(transcript.StatusComplete)...)
	}
	return append(out, a.updated()...)
}

func (a *Assembler) ingestResult(rec *record.Record, resident Lookup) []Outcome {
	if a.replayed(rec, resident) {
		return nil
	}
	if rec.Failed() {
		return a.fail(rec)
	}
	if a.pending != nil && a.pending.Usage == nil && rec.Usage != nil {
		u := *rec.Usage
		a.pending.Usage = &u
	}
	return a.finalizePending(transcript.StatusComplete)
}

func (a *Assembler) ingestNotice(rec *record.Record, resident Lookup) []Outcome {
	if !rec.EndsTurn() || a.replayed(rec, resident) {
		return nil
	}
	switch {
	case rec.Failed():
		return a.fail(rec)
	case rec.Interrupt:
		return a.finalizePending(transcript.StatusComplete)
	}
	return nil
}

// fail finalizes the pending message as failed and reports the error as a
// message of its own.
func (a *Assembler) fail(rec *record.Record) []Outcome {
	out := a.finalizePending(transcript.StatusFailed)
	m := a.newMessage(rec, rec.RecordID, transcript.RoleError)
	m.AppendText(transcript.KindText, rec.ErrorText)
	return append(out, a.finalize(m, transcript.StatusComplete)...)
}

func (a *Assembler) newMessage(rec *record.Record, id string, role transcript.Role) transcript.Message {
	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = a.sessionID
	}
	return transcript.Message{
		ID:        id,
		SessionID: sessionID,
		ParentID:  rec.ParentID,
		Model:     rec.Model,
		Role:      role,
		Status:    transcript.StatusStreaming,
		CreatedAt: rec.Timestamp,
		SourceIDs: []string{rec.RecordID},
	}
}

func (a *Assembler) updated() []Outcome {
	a.table.Reconcile(a.pending)
	if !a.pending.HasContent() {
		return nil
	}
	return []Outcome{MessageUpdated{Message: a.pending.Clone()}}
}

func (a *Assembler) finalizePending(status transcript.MessageStatus) []Outcome {
	a.stream = nil
	if a.pending == nil {
		return nil
	}
	m := *a.pending
	a.pending = nil
	return a.finalize(m, status)
}

func (a *Assembler) finalize(m transcript.Message, status transcript.MessageStatus) []Outcome {
	a.table.Reconcile(&m)
	m.Status = status
	if !m.HasContent() {
		a.logger.Debug("dropping empty message", "session", a.sessionID, "message", m.ID, "role", m.Role)
		return nil
	}
	return []Outcome{MessageFinalized{Message: m}}
}
