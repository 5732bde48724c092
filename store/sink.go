package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
	"github.com/touwaeriol/claude-code-plus-sub002/transcript"
)

const defaultSinkBuffer = 1024

// SinkConfig configures a Sink.
type SinkConfig struct {
	Logger *slog.Logger
	// Buffer is the number of pending writes held before new ones are
	// dropped.
	Buffer int
	// WriteTimeout bounds each store call. Zero means no bound.
	WriteTimeout time.Duration
}

// Sink is a reconcile.Observer that writes every appended or updated message
// to a Store from its own goroutine, so observers never block ingestion.
type Sink struct {
	store   Store
	logger  *slog.Logger
	ch      chan transcript.Message
	done    chan struct{}
	mu      sync.RWMutex
	timeout time.Duration
	dropped atomic.Int64
	closed  bool
}

// NewSink starts a Sink writing to s.
func NewSink(s Store, cfg SinkConfig) *Sink {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultSinkBuffer
	}
	k := &Sink{
		store:   s,
		logger:  logging.OrDefault(cfg.Logger),
		ch:      make(chan transcript.Message, cfg.Buffer),
		done:    make(chan struct{}),
		timeout: cfg.WriteTimeout,
	}
	go k.run()
	return k
}

// OnEvent queues message events for writing.
func (k *Sink) OnEvent(ev reconcile.Event) {
	switch e := ev.(type) {
	case reconcile.MessageAppended:
		k.enqueue(e.Message)
	case reconcile.MessageUpdated:
		k.enqueue(e.Message)
	}
}

func (k *Sink) enqueue(m transcript.Message) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return
	}
	select {
	case k.ch <- m:
	default:
		k.dropped.Add(1)
		k.logger.Warn("store sink full, dropping write", "session", m.SessionID, "message", m.ID)
	}
}

func (k *Sink) run() {
	defer close(k.done)
	for m := range k.ch {
		ctx := context.Background()
		cancel := func() {}
		if k.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, k.timeout)
		}
		if err := k.store.SaveMessage(ctx, m); err != nil {
			k.logger.Error("failed to save message", "session", m.SessionID, "message", m.ID, "error", err)
		}
		cancel()
	}
}

// Dropped returns how many writes were dropped because the buffer was full.
func (k *Sink) Dropped() int64 {
	return k.dropped.Load()
}

// Close flushes pending writes and closes the underlying store.
func (k *Sink) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.ch)
	k.mu.Unlock()

	<-k.done
	return k.store.Close()
}
