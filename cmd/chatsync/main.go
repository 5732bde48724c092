// Command chatsync reconciles coding-agent session logs into message
// histories.
//
// Commands:
//   - replay: load session files and print the reconciled history
//   - follow: tail session files and print messages as they settle
//   - serve: follow session files and expose them over HTTP and WebSocket
//   - schema: print the JSON Schema of a reconciled message
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/touwaeriol/claude-code-plus-sub002/config"
	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/render"
	"github.com/touwaeriol/claude-code-plus-sub002/store"
	"github.com/touwaeriol/claude-code-plus-sub002/store/filestore"
	"github.com/touwaeriol/claude-code-plus-sub002/store/pgstore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logFormat  string
	logFile    string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:          "chatsync",
		Short:        "Reconcile coding-agent session logs",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "chatsync.yaml", "Path to the YAML config file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: text or json (overrides config)")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "Also write logs to this file")

	root.AddCommand(newReplayCmd(flags))
	root.AddCommand(newFollowCmd(flags))
	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newSchemaCmd())
	return root
}

// env is what every command needs after flags are parsed.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

func (g *globalFlags) setup(stderr io.Writer) (*env, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.logFile != "" {
		cfg.Log.File = g.logFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	opts := cfg.LogOptions()
	opts.Output = stderr
	opts.Verbose = g.verbose
	logger, cleanup, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, cleanup: cleanup}, nil
}

func (e *env) reconcileOptions(extra ...reconcile.Option) []reconcile.Option {
	opts := []reconcile.Option{
		reconcile.WithLogger(e.logger),
		reconcile.WithOrphanLogSize(e.cfg.Reconcile.OrphanLogSize),
		reconcile.WithMaxMessages(e.cfg.Reconcile.MaxMessages),
		reconcile.WithIncludeSidechains(e.cfg.Reconcile.IncludeSidechains),
	}
	return append(opts, extra...)
}

// openStore returns nil when no store is configured.
func (e *env) openStore(ctx context.Context) (store.Store, error) {
	switch e.cfg.Store.Kind {
	case config.StoreFile:
		fs, err := filestore.New(e.cfg.Store.Dir)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case config.StorePostgres:
		pg, err := pgstore.Open(ctx, e.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return pg, nil
	default:
		return nil, nil
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newRenderer picks plain output unless w is a terminal, and fits the
// terminal width when it is one.
func newRenderer(w io.Writer, forcePlain bool, style string) (*render.Renderer, error) {
	opts := render.Options{Plain: true, Style: style}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		opts.Plain = forcePlain
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			opts.Width = width
		}
	}
	return render.New(opts)
}

// originChecker allows the listed origin prefixes. Nil keeps the
// same-origin default.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		origin = strings.ToLower(origin)
		for _, a := range allowed {
			if strings.HasPrefix(origin, strings.ToLower(a)) {
				return true
			}
		}
		return false
	}
}
