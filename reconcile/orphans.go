package reconcile

import (
	"sync"
	"time"
)

// Orphan is a tool outcome whose invocation was unknown when it arrived.
type Orphan struct {
	At         time.Time `json:"at"`
	SessionID  string    `json:"session_id"`
	ToolCallID string    `json:"tool_call_id"`
	RecordID   string    `json:"record_id"`
}

// orphanLog keeps the most recent orphans, evicting the oldest.
type orphanLog struct {
	mu      sync.Mutex
	entries []Orphan
	next    int
	full    bool
}

func newOrphanLog(size int) *orphanLog {
	if size <= 0 {
		size = defaultOrphanLogSize
	}
	return &orphanLog{entries: make([]Orphan, size)}
}

func (l *orphanLog) add(o Orphan) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = o
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
}

// snapshot returns entries oldest first.
func (l *orphanLog) snapshot() []Orphan {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Orphan(nil), l.entries[:l.next]...)
	}
	out := make([]Orphan, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}
