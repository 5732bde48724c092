package reconcile

import (
	"errors"
	"sync"

	"github.com/touwaeriol/claude-code-plus-sub002/assembler"
	"github.com/touwaeriol/claude-code-plus-sub002/correlation"
	"github.com/touwaeriol/claude-code-plus-sub002/ledger"
	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/record"
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// session is the single owner of one conversation's state. mu guards every
// other field.
type session struct {
	mu       sync.Mutex
	r        *Reconciler
	asm      *assembler.Assembler
	table    *correlation.Table
	ledger   *ledger.Ledger
	machine  *sessionstate.Machine
	index    map[string]int
	id       string
	messages []transcript.Message
	outbox   []sessionstate.Question

	lastState     sessionstate.Snapshot
	parseFailures int
	orphans       int
	closed        bool
}

func newSession(r *Reconciler, id string) *session {
	table := correlation.New(id, r.logger)
	s := &session{
		r:     r,
		id:    id,
		table: table,
		asm: assembler.New(id, table, assembler.Config{
			Logger:            r.logger,
			IncludeSidechains: r.opts.includeSidechains,
		}),
		ledger:  ledger.New(),
		machine: sessionstate.New(id, sessionstate.WithLogger(r.logger), sessionstate.WithClock(r.opts.now)),
		index:   make(map[string]int),
	}
	s.lastState = s.machine.Snapshot()
	return s
}

// emission collects the messages handed back to the caller: the latest
// version of each, in order of first emission.
type emission struct {
	msgs map[string]transcript.Message
	ids  []string
}

func (e *emission) add(m transcript.Message) {
	if e.msgs == nil {
		e.msgs = make(map[string]transcript.Message)
	}
	if _, ok := e.msgs[m.ID]; !ok {
		e.ids = append(e.ids, m.ID)
	}
	e.msgs[m.ID] = m
}

func (e *emission) list() []transcript.Message {
	out := make([]transcript.Message, 0, len(e.ids))
	for _, id := range e.ids {
		out = append(out, e.msgs[id])
	}
	return out
}

// consume runs one parsed line through the pipeline.
func (s *session) consume(rec *record.Record, parseErr error, line []byte, em *emission) {
	r := s.r
	r.metrics.LineIngested()
	if parseErr != nil {
		if record.IsBlank(parseErr) {
			return
		}
		s.parseFailures++
		r.metrics.ParseFailed()
		r.logger.Debug("skipping unparseable line",
			"session", s.id, "error", parseErr, "line", logging.Truncate(string(line), 200))
		return
	}

	s.machine.Touch()
	if rec.SyntheticID {
		r.logger.Debug("record without uuid, keyed by content",
			"session", s.id, "kind", rec.Kind, "format", rec.Format, "record", rec.RecordID)
	}
	if rec.IsSidechain && !r.opts.includeSidechains {
		s.publishState()
		return
	}

	replay := s.asm.Folded(rec.RecordID)
	for _, o := range rec.Outcomes() {
		s.applyOutcome(rec, o, em)
	}
	if rec.Interrupt && !replay {
		s.cancelRunning(rec, em)
	}

	s.apply(s.asm.Ingest(rec, s.lookup), em)
	if !replay {
		s.lifecycle(rec)
	}
	s.publishState()
}

func (s *session) apply(outcomes []assembler.Outcome, em *emission) {
	for _, out := range outcomes {
		switch o := out.(type) {
		case assembler.MessageUpdated:
			s.upsert(o.Message, em)
		case assembler.MessageFinalized:
			s.finalize(o.Message, em)
		}
	}
}

func (s *session) applyOutcome(rec *record.Record, o record.ToolOutcome, em *emission) {
	status, result := o.Result()
	msgID, applied, err := s.table.RecordOutcome(o.ToolCallID, correlation.Outcome{
		Status: status,
		Result: result,
		At:     rec.Timestamp,
	})
	var orphan *correlation.OrphanError
	if errors.As(err, &orphan) {
		s.orphans++
		s.r.metrics.OrphanRecorded()
		s.r.orphans.add(Orphan{
			At:         rec.Timestamp,
			SessionID:  s.id,
			ToolCallID: o.ToolCallID,
			RecordID:   rec.RecordID,
		})
		s.r.logger.Warn("tool outcome without invocation", "session", s.id, "tool_call", o.ToolCallID, "record", rec.RecordID)
		return
	}
	if applied {
		s.refreshCall(msgID, o.ToolCallID, em)
	}
}

func (s *session) cancelRunning(rec *record.Record, em *emission) {
	for _, c := range s.table.CancelRunning(rec.Timestamp) {
		s.refreshCall(c.MessageID, c.Call.ID, em)
	}
}

// refreshCall brings a resident message up to date with the table after one
// of its calls changed. Calls of messages still being assembled are picked
// up when the assembler next emits them.
func (s *session) refreshCall(msgID, callID string, em *emission) {
	i, ok := s.index[msgID]
	if !ok {
		return
	}
	m := &s.messages[i]
	if !s.table.Reconcile(m) {
		return
	}
	if tc := m.ToolCall(callID); tc != nil {
		s.r.notify(ToolCallUpdated{SessionID: s.id, MessageID: msgID, ToolCall: tc.Clone()})
	}
	cp := m.Clone()
	s.r.notify(MessageUpdated{SessionID: s.id, Message: cp})
	em.add(cp)
}

// upsert makes a growing message visible without consulting the ledger.
func (s *session) upsert(m transcript.Message, em *emission) {
	if i, ok := s.index[m.ID]; ok {
		s.messages[i] = m
		s.r.notify(MessageUpdated{SessionID: s.id, Message: m.Clone()})
	} else {
		s.append(m)
		s.r.notify(MessageAppended{SessionID: s.id, Message: m.Clone()})
	}
	em.add(m.Clone())
}

func (s *session) finalize(m transcript.Message, em *emission) {
	_, resident := s.index[m.ID]
	switch {
	case s.ledger.TryAdmit(m.ID):
		s.r.metrics.MessageEmitted(m.Role)
	case resident:
		// Already admitted; a continuation reopened it.
	default:
		s.r.metrics.DuplicateSuppressed()
		s.r.logger.Debug("suppressing duplicate message", "session", s.id, "message", m.ID)
		return
	}
	s.upsert(m, em)
}

func (s *session) append(m transcript.Message) {
	s.index[m.ID] = len(s.messages)
	s.messages = append(s.messages, m)
	limit := s.r.opts.maxMessages
	if limit <= 0 || len(s.messages) <= limit {
		return
	}
	drop := len(s.messages) - limit
	for _, old := range s.messages[:drop] {
		delete(s.index, old.ID)
	}
	s.messages = append(s.messages[:0:0], s.messages[drop:]...)
	for i := range s.messages {
		s.index[s.messages[i].ID] = i
	}
}

func (s *session) lookup(id string) (transcript.Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return transcript.Message{}, false
	}
	return s.messages[i].Clone(), true
}

// lifecycle moves the state machine for records that end a turn. A queued
// question is drained only when the ended turn was generating.
func (s *session) lifecycle(rec *record.Record) {
	wasGenerating := s.machine.Generating()
	switch {
	case rec.Interrupt:
		_ = s.machine.MarkInterrupted()
	case rec.Failed():
		_ = s.machine.MarkError()
		return
	case rec.Kind == record.KindResultSummary:
		_ = s.machine.MarkCompleted()
	default:
		return
	}
	if wasGenerating {
		s.drain()
	}
}

// drain pops the next question when a dispatcher will deliver it.
func (s *session) drain() {
	if s.r.opts.dispatcher == nil {
		return
	}
	if q, ok := s.machine.DrainNext(); ok {
		s.outbox = append(s.outbox, q)
	}
}

func (s *session) takeOutbox() []sessionstate.Question {
	out := s.outbox
	s.outbox = nil
	return out
}

func (s *session) state() State {
	snap := s.machine.Snapshot()
	return State{
		Status:        snap.Status,
		QueueDepth:    snap.QueueDepth,
		Generating:    snap.Generating,
		MessageCount:  len(s.messages),
		ParseFailures: s.parseFailures,
		OrphanCount:   s.orphans,
	}
}

// publishState notifies observers when status or queue depth changed.
func (s *session) publishState() {
	snap := s.machine.Snapshot()
	if snap == s.lastState {
		return
	}
	from := s.lastState.Status
	s.lastState = snap
	s.r.notify(StateChanged{SessionID: s.id, From: from, State: s.state()})
}

// resetLedger empties the ledger, keeping the ids of admitted messages that
// are still resident.
func (s *session) resetLedger() {
	seed := make([]string, 0, len(s.messages))
	for _, m := range s.messages {
		if s.ledger.Contains(m.ID) {
			seed = append(seed, m.ID)
		}
	}
	s.ledger.Reset(seed...)
}

func (s *session) snapshot() []transcript.Message {
	out := make([]transcript.Message, len(s.messages))
	for i := range s.messages {
		out[i] = s.messages[i].Clone()
		s.table.Reconcile(&out[i])
	}
	return out
}

func (s *session) release() {
	s.asm.Reset()
	s.table.Reset()
	s.ledger.Reset()
	s.machine.Reset()
	s.messages = nil
	clear(s.index)
	s.outbox = nil
}
