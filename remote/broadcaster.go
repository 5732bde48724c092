// Package remote serves reconciled sessions over HTTP and pushes their events
// to WebSocket clients.
package remote

import (
	"log/slog"
	"sync"

	"github.com/touwaeriol/claude-code-plus-sub002/logging"
	"github.com/touwaeriol/claude-code-plus-sub002/reconcile"
)

type subscriber struct {
	ch      chan reconcile.Event
	session string
}

// Broadcaster fans reconciler events out to subscriber channels. It is a
// reconcile.Observer and never blocks the caller: a subscriber that falls
// behind loses its oldest event.
type Broadcaster struct {
	logger      *slog.Logger
	subscribers map[int]*subscriber
	mu          sync.RWMutex
	nextID      int
	closed      bool
}

// NewBroadcaster creates a Broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		logger:      logging.OrDefault(logger),
		subscribers: make(map[int]*subscriber),
	}
}

// Subscribe registers a channel with the given buffer. A non-empty session
// limits delivery to that session's events. The returned id is passed to
// Unsubscribe.
func (b *Broadcaster) Subscribe(bufSize int, session string) (int, <-chan reconcile.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan reconcile.Event, bufSize)
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subscribers[id] = &subscriber{ch: ch, session: session}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// OnEvent delivers ev to every matching subscriber.
func (b *Broadcaster) OnEvent(ev reconcile.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if sub.session != "" && sub.session != ev.Session() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				b.logger.Warn("broadcaster dropping oldest event", "subscriber", id)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				b.logger.Warn("broadcaster could not deliver event", "subscriber", id)
			}
		}
	}
}

// Close closes every subscriber channel. Later subscribers get a closed
// channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
