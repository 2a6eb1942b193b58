package session

import "sync"

// Locks serializes turns per conversation: at most one turn in flight for
// a given id, while distinct conversations proceed in parallel. The
// internal map lock is only held briefly; it is never held while a
// conversation lock is waited on in a way that could invert ordering.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocks constructs an empty lock table.
func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the conversation lock for id is held and returns
// the release function. Entries are reference-counted and removed when the
// last holder releases, so the table does not grow with dead conversations.
func (l *Locks) Acquire(id string) (release func()) {
	l.mu.Lock()
	entry, ok := l.entries[id]
	if !ok {
		entry = &lockEntry{}
		l.entries[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, id)
		}
		l.mu.Unlock()
	}
}

// Pending reports how many ids currently have a lock entry.
func (l *Locks) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
