package remote

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
)

const (
	defaultClientBuffer = 256
	defaultWriteTimeout = 10 * time.Second
	pingInterval        = 30 * time.Second
)

// HubConfig configures a Hub.
type HubConfig struct {
	Logger       *slog.Logger
	CheckOrigin  func(r *http.Request) bool
	ClientBuffer int
	WriteTimeout time.Duration
}

// Hub upgrades requests to WebSocket connections and streams frames to
// them. The "session" query parameter limits a client to one session.
type Hub struct {
	b        *Broadcaster
	logger   *slog.Logger
	upgrader websocket.Upgrader
	cfg      HubConfig
}

// NewHub creates a Hub fed by b.
func NewHub(b *Broadcaster, cfg HubConfig) *Hub {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = defaultClientBuffer
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Hub{
		b:      b,
		logger: logging.OrDefault(cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		cfg: cfg,
	}
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	ws      *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func (c *wsConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return c.ws.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.timeout))
}

// ServeHTTP handles one client until it disconnects or the broadcaster
// closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{ws: ws, timeout: h.cfg.WriteTimeout}
	session := r.URL.Query().Get("session")
	id, events := h.b.Subscribe(h.cfg.ClientBuffer, session)
	log := h.logger.With("client", id, "remote", r.RemoteAddr)
	log.Debug("websocket client connected", "session", session)

	// Reads only detect disconnects; clients do not send frames.
	go func() {
		defer h.b.Unsubscribe(id)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		h.b.Unsubscribe(id)
		ws.Close()
		log.Debug("websocket client disconnected")
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			frame, ok := toFrame(ev)
			if !ok {
				continue
			}
			if err := conn.writeJSON(frame); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				return
			}
		}
	}
}
