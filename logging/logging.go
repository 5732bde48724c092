// Package logging builds the slog loggers used by chatsync binaries and
// provides a discard logger for library defaults.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Options configures New.
type Options struct {
	// Output defaults to os.Stderr.
	Output io.Writer
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is "text" (default) or "json".
	Format string
	// File, when set, tees log output into the given file.
	File string
	// Verbose forces debug level regardless of Level.
	Verbose bool
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
	}
}

// New creates a structured logger. The returned cleanup closes the log file
// when one was opened; it is always safe to call.
func New(opts Options) (*slog.Logger, func(), error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, func() {}, err
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}

	w := opts.Output
	if w == nil {
		w = os.Stderr
	}

	cleanup := func() {}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, cleanup, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		cleanup = func() { f.Close() }
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, handlerOpts)
	case "json":
		h = slog.NewJSONHandler(w, handlerOpts)
	default:
		cleanup()
		return nil, func() {}, fmt.Errorf("unknown log format %q", opts.Format)
	}
	return slog.New(h), cleanup, nil
}

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})

// Discard returns a shared logger that drops every record.
func Discard() *slog.Logger {
	return nopLogger
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Truncate shortens s for log attributes, replacing newlines.
func Truncate(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	if max <= 3 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
