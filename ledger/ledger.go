// Package ledger tracks which message ids a session has already emitted.
package ledger

// Ledger is a set of admitted message ids. It is not safe for concurrent
// use; the owning session serializes access.
type Ledger struct {
	seen map[string]struct{}
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{seen: make(map[string]struct{})}
}

// TryAdmit inserts id and reports whether it was new. It returns true once
// per id until the next Reset.
func (l *Ledger) TryAdmit(id string) bool {
	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	return true
}

// Contains reports whether id has been admitted.
func (l *Ledger) Contains(id string) bool {
	_, ok := l.seen[id]
	return ok
}

// Reset empties the ledger and admits the seed ids.
func (l *Ledger) Reset(seed ...string) {
	clear(l.seen)
	for _, id := range seed {
		l.seen[id] = struct{}{}
	}
}

// Len returns the number of admitted ids.
func (l *Ledger) Len() int {
	return len(l.seen)
}
