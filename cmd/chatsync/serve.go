package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/touwaeriol/claude-code-plus-sub002/metrics"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/remote"
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/tail"
)

type serveFlags struct {
	addr string
}

func newServeCmd(g *globalFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve [session.jsonl]...",
		Short: "Serve reconciled sessions over HTTP and WebSocket",
		Long: `Serve follows the given session files (or watch.paths) and exposes them:

  GET    /api/sessions
  GET    /api/sessions/{id}/messages
  GET    /api/sessions/{id}/state
  GET    /api/sessions/{id}/tools/{toolID}
  POST   /api/sessions/{id}/questions
  POST   /api/sessions/{id}/start
  POST   /api/sessions/{id}/drain
  POST   /api/sessions/{id}/complete|interrupt|error
  DELETE /api/sessions/{id}
  GET    /ws?session={id}
  GET    /metrics

Questions drained when a turn ends are pushed to WebSocket clients as
question_dispatched frames.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, g, flags, args)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, g *globalFlags, flags *serveFlags, args []string) error {
	e, err := g.setup(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer e.cleanup()

	addr := e.cfg.Server.Addr
	if flags.addr != "" {
		addr = flags.addr
	}
	paths := args
	if len(paths) == 0 {
		paths = e.cfg.Watch.Paths
	}

	ctx, cancel := signalContext()
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	col, err := metrics.New(reg)
	if err != nil {
		return err
	}

	b := remote.NewBroadcaster(e.logger)
	defer b.Close()
	dispatch := reconcile.DispatcherFunc(func(sessionID string, q sessionstate.Question) {
		e.logger.Info("question dispatched", "session", sessionID, "question", q.ID, "subscribers", b.Len())
	})
	opts := e.reconcileOptions(reconcile.WithMetrics(col), reconcile.WithObserver(b), reconcile.WithDispatcher(dispatch))

	sink, err := e.startSink(ctx)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		opts = append(opts, reconcile.WithObserver(sink))
	}
	rec := reconcile.New(opts...)

	srv := remote.NewServer(rec, b, remote.Config{
		Logger:   e.logger,
		Gatherer: reg,
		Hub: remote.HubConfig{
			ClientBuffer: e.cfg.Server.BroadcastBuffer,
			CheckOrigin:  originChecker(e.cfg.Server.AllowedOrigins),
		},
	})

	if len(paths) > 0 {
		follower := tail.New(rec, tail.Config{Logger: e.logger})
		go func() {
			if err := follower.FollowAll(ctx, paths); err != nil {
				e.logger.Error("follow failed", "error", err)
			}
		}()
	}

	return srv.ListenAndServe(ctx, addr)
}
