// Package render draws reconciled messages for a terminal.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

const defaultWidth = 100

// Options configures a Renderer.
type Options struct {
	// Style is the markdown style: "dark", "light", "notty" or "auto".
	Style string
	Width int
	// Plain disables colour and markdown rendering.
	Plain bool
}

// Renderer formats messages as terminal text.
type Renderer struct {
	md     *glamour.TermRenderer
	styles styles
	width  int
	plain  bool
}

type styles struct {
	user      lipgloss.Style
	assistant lipgloss.Style
	system    lipgloss.Style
	errorRole lipgloss.Style
	thought   lipgloss.Style
	running   lipgloss.Style
	success   lipgloss.Style
	failed    lipgloss.Style
	dim       lipgloss.Style
}

func newStyles() styles {
	return styles{
		user:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		assistant: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		system:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		errorRole: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		thought:   lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("8")),
		running:   lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		success:   lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// New creates a Renderer.
func New(opts Options) (*Renderer, error) {
	if opts.Width <= 0 {
		opts.Width = defaultWidth
	}
	r := &Renderer{width: opts.Width, plain: opts.Plain, styles: newStyles()}
	if opts.Plain {
		return r, nil
	}
	md, err := glamour.NewTermRenderer(glamourOption(opts.Style), glamour.WithWordWrap(opts.Width))
	if err != nil {
		return nil, fmt.Errorf("failed to create markdown renderer: %w", err)
	}
	r.md = md
	return r, nil
}

func glamourOption(style string) glamour.TermRendererOption {
	switch style {
	case "dark", "light", "notty":
		return glamour.WithStandardStyle(style)
	default:
		return glamour.WithAutoStyle()
	}
}

func (r *Renderer) paint(s lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return s.Render(text)
}

// Message renders one message: a role header, then its timeline in order.
func (r *Renderer) Message(m transcript.Message) string {
	var b strings.Builder
	b.WriteString(r.header(m))
	b.WriteByte('\n')
	for _, item := range m.Timeline {
		switch it := item.(type) {
		case transcript.ContentItem:
			b.WriteString(r.content(it))
		case transcript.ToolCallItem:
			if tc := m.ToolCall(it.ToolCallID); tc != nil {
				b.WriteString(r.ToolCall(*tc))
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

func (r *Renderer) header(m transcript.Message) string {
	var label string
	var style lipgloss.Style
	switch m.Role {
	case transcript.RoleUser:
		label, style = "You", r.styles.user
	case transcript.RoleAssistant:
		label, style = "Assistant", r.styles.assistant
	case transcript.RoleError:
		label, style = "Error", r.styles.errorRole
	default:
		label, style = "System", r.styles.system
	}
	h := r.paint(style, label)
	if m.Status == transcript.StatusStreaming {
		h += " " + r.paint(r.styles.dim, "(streaming)")
	} else if m.Status == transcript.StatusFailed {
		h += " " + r.paint(r.styles.failed, "(failed)")
	}
	return h
}

func (r *Renderer) content(it transcript.ContentItem) string {
	switch it.Kind {
	case transcript.KindThought:
		return r.paint(r.styles.thought, "∴ "+strings.TrimSpace(it.Text)) + "\n"
	case transcript.KindImage:
		return r.paint(r.styles.dim, "[image]") + "\n"
	}
	if r.md != nil {
		out, err := r.md.Render(it.Text)
		if err == nil {
			return out
		}
	}
	return strings.TrimRight(it.Text, "\n") + "\n"
}

// ToolCall renders a one-line summary: "● Name(detail) status".
func (r *Renderer) ToolCall(tc transcript.ToolCall) string {
	line := "● " + ToolSummary(tc.Name, tc.Parameters, r.width-12)
	status := string(tc.Status)
	var style lipgloss.Style
	switch tc.Status {
	case transcript.ToolSuccess:
		style = r.styles.success
	case transcript.ToolFailed:
		style = r.styles.failed
		if f, ok := tc.Result.(transcript.FailureResult); ok && f.Error != "" {
			status += ": " + runewidth.Truncate(firstLine(f.Error), 60, "…")
		}
	case transcript.ToolRunning, transcript.ToolPending:
		style = r.styles.running
	default:
		style = r.styles.dim
	}
	return r.paint(style, line) + " " + r.paint(r.styles.dim, status)
}

// Write renders every message to w separated by blank lines.
func (r *Renderer) Write(w io.Writer, msgs []transcript.Message) error {
	for _, m := range msgs {
		if _, err := io.WriteString(w, r.Message(m)+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// ToolSummary formats a tool invocation as Name(detail), fitting width
// display columns.
func ToolSummary(name string, params map[string]interface{}, width int) string {
	var detail string
	str := func(key string) string {
		s, _ := params[key].(string)
		return s
	}
	switch name {
	case "Read", "Write", "Edit", "MultiEdit", "NotebookEdit":
		detail = str("file_path")
		if detail == "" {
			detail = str("notebook_path")
		}
	case "Bash":
		detail = firstLine(str("command"))
	case "Glob", "Grep":
		detail = str("pattern")
	case "Task", "Agent":
		detail = str("description")
	case "WebFetch":
		detail = str("url")
	case "WebSearch":
		detail = str("query")
	}
	if detail == "" {
		return name
	}
	room := width - runewidth.StringWidth(name) - 2
	if room < 4 {
		return name
	}
	return name + "(" + runewidth.Truncate(detail, room, "…") + ")"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
