package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/sessionstate"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

// Backend is what the server reads and drives. *reconcile.Reconciler
// satisfies it.
type Backend interface {
	Sessions() []string
	CurrentMessages(sessionID string) ([]transcript.Message, error)
	ToolCall(sessionID, toolCallID string) (transcript.ToolCall, bool, error)
	State(sessionID string) (reconcile.State, error)
	Enqueue(sessionID, text string, context ...string) (string, error)
	CloseSession(sessionID string)

	// Turn lifecycle, driven by the agent transport.
	StartIfIdle(sessionID string) (bool, error)
	DrainNext(sessionID string) (sessionstate.Question, bool, error)
	MarkCompleted(sessionID string) error
	MarkInterrupted(sessionID string) error
	MarkError(sessionID string) error
}

// Config configures a Server.
type Config struct {
	Logger *slog.Logger
	// Gatherer backs /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	Hub      HubConfig
}

// Server exposes sessions over HTTP.
type Server struct {
	backend Backend
	hub     *Hub
	logger  *slog.Logger
	router  *mux.Router
}

// NewServer builds the routes. Events reach WebSocket clients through b,
// which the caller registers as an observer.
func NewServer(backend Backend, b *Broadcaster, cfg Config) *Server {
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Hub.Logger == nil {
		cfg.Hub.Logger = logger
	}
	s := &Server{
		backend: backend,
		hub:     NewHub(b, cfg.Hub),
		logger:  logger,
		router:  mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/ws", s.hub)
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/messages", s.handleMessages).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/tools/{tool}", s.handleToolCall).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/questions", s.handleEnqueue).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/drain", s.handleDrain).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/{mark:complete|interrupt|error}", s.handleMark).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.handleClose).Methods(http.MethodDelete)
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

type sessionSummary struct {
	ID    string          `json:"id"`
	State reconcile.State `json:"state"`
}

type enqueueRequest struct {
	Text    string   `json:"text"`
	Context []string `json:"context,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	out := []sessionSummary{}
	for _, id := range s.backend.Sessions() {
		st, err := s.backend.State(id)
		if err != nil {
			// Closed between listing and reading.
			continue
		}
		out = append(out, sessionSummary{ID: id, State: st})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.backend.CurrentMessages(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.State(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tc, found, err := s.backend.ToolCall(vars["id"], vars["tool"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tool call not found"})
		return
	}
	writeJSON(w, http.StatusOK, tc)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	id, err := s.backend.Enqueue(mux.Vars(r)["id"], req.Text, req.Context...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	started, err := s.backend.StartIfIdle(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": started})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	q, ok, err := s.backend.DrainNext(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var err error
	switch vars["mark"] {
	case "complete":
		err = s.backend.MarkCompleted(vars["id"])
	case "interrupt":
		err = s.backend.MarkInterrupted(vars["id"])
	default:
		err = s.backend.MarkError(vars["id"])
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.backend.CloseSession(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, reconcile.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, reconcile.ErrSessionClosed):
		status = http.StatusGone
	case errors.Is(err, sessionstate.ErrInvalidState):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
