package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/tail"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

const maxLineSize = 10 * 1024 * 1024

type replayFlags struct {
	style string
	json  bool
	plain bool
}

type replayOutput struct {
	SessionID string               `json:"session_id"`
	Messages  []transcript.Message `json:"messages"`
	State     reconcile.State      `json:"state"`
	Orphans   []reconcile.Orphan   `json:"orphans,omitempty"`
}

func newReplayCmd(g *globalFlags) *cobra.Command {
	flags := &replayFlags{}
	cmd := &cobra.Command{
		Use:   "replay <session.jsonl>...",
		Short: "Print the reconciled history of session files",
		Example: `  chatsync replay ~/.claude/projects/myrepo/3f2a.jsonl
  chatsync replay --json session.jsonl | jq '.messages[].id'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, g, flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.json, "json", false, "Print one JSON document per session")
	cmd.Flags().BoolVar(&flags.plain, "plain", false, "Disable colour and markdown")
	cmd.Flags().StringVar(&flags.style, "style", "auto", "Markdown style: auto, dark, light or notty")
	return cmd
}

func runReplay(cmd *cobra.Command, g *globalFlags, flags *replayFlags, paths []string) error {
	e, err := g.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.cleanup()

	out := cmd.OutOrStdout()
	rec := reconcile.New(e.reconcileOptions()...)
	r, err := newRenderer(out, flags.plain, flags.style)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)

	for _, path := range paths {
		lines, err := readLines(path)
		if err != nil {
			return err
		}
		id := tail.SessionIDFromPath(path)
		if _, err := rec.IngestBatch(id, lines); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		msgs, err := rec.CurrentMessages(id)
		if err != nil {
			return err
		}
		st, err := rec.State(id)
		if err != nil {
			return err
		}
		e.logger.Debug("replayed session", "session", id, "messages", len(msgs), "parse_failures", st.ParseFailures)

		if flags.json {
			if msgs == nil {
				msgs = []transcript.Message{}
			}
			if err := enc.Encode(replayOutput{SessionID: id, Messages: msgs, State: st, Orphans: sessionOrphans(rec, id)}); err != nil {
				return err
			}
			continue
		}
		if len(paths) > 1 {
			fmt.Fprintf(out, "== %s ==\n\n", id)
		}
		if err := r.Write(out, msgs); err != nil {
			return err
		}
	}
	return nil
}

func sessionOrphans(rec *reconcile.Reconciler, id string) []reconcile.Orphan {
	var out []reconcile.Orphan
	for _, o := range rec.Orphans() {
		if o.SessionID == id {
			out = append(out, o)
		}
	}
	return out
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()
	return scanLines(f)
}

func scanLines(r io.Reader) ([][]byte, error) {
	scanner := bufio.NewScanner(r)
	// Increase buffer size for large lines
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	var lines [][]byte
	for scanner.Scan() {
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	return lines, scanner.Err()
}
