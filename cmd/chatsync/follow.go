package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/touwaeriol/claude-code-plus-sub002/config"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/render"
	"github.com/touwaeriol/claude-code-plus-sub002/store"
	"github.com/touwaeriol/claude-code-plus-sub002/tail"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

type followFlags struct {
	storeDir string
	style    string
	plain    bool
}

func newFollowCmd(g *globalFlags) *cobra.Command {
	flags := &followFlags{}
	cmd := &cobra.Command{
		Use:   "follow [session.jsonl]...",
		Short: "Tail session files and print messages as they settle",
		Long: `Follow loads each file as history, then prints every message once it is
complete, along with tool calls as they finish. Files default to the
watch.paths config entry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFollow(cmd, g, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.storeDir, "store-dir", "", "Persist messages as JSON files in this directory")
	cmd.Flags().BoolVar(&flags.plain, "plain", false, "Disable colour and markdown")
	cmd.Flags().StringVar(&flags.style, "style", "auto", "Markdown style: auto, dark, light or notty")
	return cmd
}

func runFollow(cmd *cobra.Command, g *globalFlags, flags *followFlags, args []string) error {
	e, err := g.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.cleanup()

	paths := args
	if len(paths) == 0 {
		paths = e.cfg.Watch.Paths
	}
	if len(paths) == 0 {
		return errors.New("no session files given and watch.paths is empty")
	}
	if flags.storeDir != "" {
		e.cfg.Store = config.StoreConfig{Kind: config.StoreFile, Dir: flags.storeDir}
	}

	ctx, cancel := signalContext()
	defer cancel()

	out := cmd.OutOrStdout()
	r, err := newRenderer(out, flags.plain, flags.style)
	if err != nil {
		return err
	}
	opts := e.reconcileOptions(reconcile.WithObserver(newPrinter(r, out)))

	sink, err := e.startSink(ctx)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		opts = append(opts, reconcile.WithObserver(sink))
	}

	rec := reconcile.New(opts...)
	follower := tail.New(rec, tail.Config{Logger: e.logger})
	if err := follower.FollowAll(ctx, paths); err != nil {
		return err
	}
	return nil
}

// startSink opens the configured store and wraps it in a sink. It returns
// nil when no store is configured.
func (e *env) startSink(ctx context.Context) (*store.Sink, error) {
	st, err := e.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if st == nil {
		return nil, nil
	}
	return store.NewSink(st, store.SinkConfig{Logger: e.logger}), nil
}

// printer writes each message once it stops streaming, then tool calls of
// printed messages as they finish.
type printer struct {
	r       *render.Renderer
	w       io.Writer
	printed map[string]map[string]bool
	mu      sync.Mutex
}

func newPrinter(r *render.Renderer, w io.Writer) *printer {
	return &printer{r: r, w: w, printed: make(map[string]map[string]bool)}
}

func (p *printer) OnEvent(ev reconcile.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e := ev.(type) {
	case reconcile.MessageAppended:
		p.message(e.SessionID, e.Message)
	case reconcile.MessageUpdated:
		p.message(e.SessionID, e.Message)
	case reconcile.ToolCallUpdated:
		if !p.printed[e.SessionID][e.MessageID] {
			return
		}
		switch e.ToolCall.Status {
		case transcript.ToolPending, transcript.ToolRunning:
			return
		}
		fmt.Fprintln(p.w, p.r.ToolCall(e.ToolCall))
	case reconcile.SessionClosed:
		delete(p.printed, e.SessionID)
	}
}

func (p *printer) message(session string, m transcript.Message) {
	if m.Status == transcript.StatusStreaming {
		return
	}
	seen := p.printed[session]
	if seen == nil {
		seen = make(map[string]bool)
		p.printed[session] = seen
	}
	if seen[m.ID] {
		return
	}
	seen[m.ID] = true
	fmt.Fprintln(p.w, p.r.Message(m))
}
