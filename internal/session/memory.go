package session

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"hydrochat/internal/state"
)

// MemoryStore is the in-process Store: an expirable LRU bounded by both a
// TTL on last touch and a max entry count. Eviction happens synchronously
// on access; there is no background sweeper.
type MemoryStore struct {
	cache     *expirable.LRU[string, *state.SessionState]
	ttl       time.Duration
	evictions atomic.Int64
	expired   atomic.Int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs a store with the given TTL and LRU cap. A TTL
// of zero means a state expires as soon as its turn completes: Put drops
// the entry and the next Get starts fresh.
func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	s := &MemoryStore{ttl: ttl}
	s.cache = expirable.NewLRU[string, *state.SessionState](maxEntries, func(string, *state.SessionState) {
		s.evictions.Add(1)
	}, ttl)
	return s
}

// Get returns the state for id. Expired entries surface as misses.
func (s *MemoryStore) Get(_ context.Context, id string) (*state.SessionState, bool, error) {
	if s.ttl == 0 {
		return nil, false, nil
	}
	st, ok := s.cache.Get(id)
	if !ok {
		return nil, false, nil
	}
	return st, true, nil
}

// Put saves the state, renewing its TTL. Overflow evicts the
// least-recently-touched entry.
func (s *MemoryStore) Put(_ context.Context, st *state.SessionState) error {
	if s.ttl == 0 {
		// Immediate expiry: nothing may leak to the next request.
		s.cache.Remove(st.ConversationID)
		s.expired.Add(1)
		return nil
	}
	s.cache.Add(st.ConversationID, st)
	return nil
}

// Delete removes the state for id.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.cache.Remove(id)
	return nil
}

// Stats reports occupancy.
func (s *MemoryStore) Stats() Stats {
	return Stats{
		Entries:   s.cache.Len(),
		Evictions: s.evictions.Load(),
		Expired:   s.expired.Load(),
	}
}
