package record

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/protocol"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// idNamespace scopes ids derived from line content.
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("chatsync/record"))

// ParseError reports a line that could not be turned into a record.
type ParseError struct {
	Cause  error
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error: %s: %v", e.Reason, e.Cause)
	}
	return "parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Cause
}

// IsBlank reports whether err is a parse error for an empty line. Blank
// lines are skipped without counting as failures.
func IsBlank(err error) bool {
	return errors.Is(err, protocol.ErrEmptyLine)
}

// Parser converts raw lines into records. It is stateless and safe for
// concurrent use.
type Parser struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock sets the clock used when a line has no usable timestamp.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDefault(p.logger)
	return p
}

// Parse decodes one line. Failures are always *ParseError.
func (p *Parser) Parse(line []byte) (*Record, error) {
	env, err := protocol.Unwrap(line)
	if err != nil {
		reason := "malformed line"
		if errors.Is(err, protocol.ErrEmptyLine) {
			reason = "empty line"
		}
		return nil, &ParseError{Line: string(line), Reason: reason, Cause: err}
	}

	rec := &Record{
		Format:      env.Format,
		RecordID:    env.UUID,
		ParentID:    env.ParentUUID,
		SessionID:   env.SessionID(),
		Subtype:     env.Subtype,
		IsMeta:      env.IsMeta,
		IsSidechain: env.IsSidechain || env.ParentToolUseID != nil,
		Timestamp:   p.timestamp(env.Timestamp),
	}
	if rec.RecordID == "" {
		rec.RecordID = uuid.NewSHA1(idNamespace, line).String()
		rec.SyntheticID = true
	}

	switch env.Type {
	case protocol.MessageTypeUser:
		rec.Kind = KindUserTurn
		if err := p.fillMessage(rec, env); err != nil {
			return nil, &ParseError{Line: string(line), Reason: "user record", Cause: err}
		}
		rec.Interrupt = hasInterruptMarker(rec.Blocks)
	case protocol.MessageTypeAssistant:
		rec.Kind = KindAssistantTurn
		if err := p.fillMessage(rec, env); err != nil {
			return nil, &ParseError{Line: string(line), Reason: "assistant record", Cause: err}
		}
		rec.TurnID = rec.RecordID
		if env.Message.ID != "" {
			rec.TurnID = env.Message.ID
		}
	case protocol.MessageTypeResult:
		rec.Kind = KindResultSummary
		rec.Body = env.Result
		rec.Usage = convertUsage(env.Usage)
		rec.IsError = env.IsError || strings.HasPrefix(env.Subtype, "error")
		if rec.IsError {
			rec.ErrorText = firstNonEmpty(env.ErrorText(), env.Result, env.Subtype)
		}
	case protocol.MessageTypeStreamEvent:
		rec.Kind = KindStreamEvent
		ev, err := protocol.ParseStreamEvent(env.Event)
		if err != nil {
			return nil, &ParseError{Line: string(line), Reason: "stream event", Cause: err}
		}
		rec.Stream = ev
		if start, ok := ev.(protocol.MessageStartEvent); ok {
			rec.TurnID = start.Message.ID
			rec.Model = start.Message.Model
			rec.Usage = convertUsage(start.Message.Usage)
		}
		if delta, ok := ev.(protocol.MessageDeltaEvent); ok {
			rec.Usage = convertUsage(delta.Usage)
			if delta.Delta.StopReason != nil {
				rec.StopReason = *delta.Delta.StopReason
			}
		}
	default:
		rec.Kind = KindSystemNotice
		rec.Body = firstNonEmpty(env.TextContent(), env.Summary)
		rec.Interrupt = strings.HasPrefix(rec.Body, InterruptMarker)
		if rec.Failed() {
			rec.ErrorText = firstNonEmpty(env.ErrorText(), rec.Body, "api error")
		}
	}
	return rec, nil
}

func (p *Parser) fillMessage(rec *Record, env *protocol.Envelope) error {
	if env.Message == nil {
		return errors.New("missing message")
	}
	msg := env.Message
	rec.Model = msg.Model
	rec.Usage = convertUsage(msg.Usage)
	if msg.StopReason != nil {
		rec.StopReason = *msg.StopReason
	}

	var details *protocol.ToolUseResult
	for _, cb := range msg.Content.Blocks() {
		switch b := cb.(type) {
		case protocol.TextBlock:
			rec.Blocks = append(rec.Blocks, Text{Text: b.Text})
		case protocol.ThinkingBlock:
			rec.Blocks = append(rec.Blocks, Thought{Text: b.Thinking})
		case protocol.ToolUseBlock:
			rec.Blocks = append(rec.Blocks, ToolInvocation{ID: b.ID, Name: b.Name, Parameters: b.Input})
		case protocol.ToolResultBlock:
			if details == nil {
				details = env.DecodeToolUseResult()
			}
			o := ToolOutcome{ToolCallID: b.ToolUseID, Body: b.Text(), IsError: b.Failed()}
			if details != nil {
				o.Details = details.Stderr
				o.Interrupted = details.Interrupted
			}
			rec.Blocks = append(rec.Blocks, o)
		case protocol.ImageBlock:
			rec.Blocks = append(rec.Blocks, Image{})
		default:
			p.logger.Debug("skipping content block", "type", fmt.Sprintf("%T", cb))
		}
	}
	return nil
}

func (p *Parser) timestamp(s string) time.Time {
	if s != "" {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return ts
		}
	}
	return p.now()
}

func hasInterruptMarker(blocks []Block) bool {
	for _, b := range blocks {
		if t, ok := b.(Text); ok && strings.HasPrefix(strings.TrimSpace(t.Text), InterruptMarker) {
			return true
		}
	}
	return false
}

func convertUsage(u *protocol.Usage) *transcript.Usage {
	if u == nil || u.IsZero() {
		return nil
	}
	return &transcript.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
