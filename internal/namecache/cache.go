// Package namecache maintains the in-memory projection of patient records
// used for name resolution. A full snapshot is fetched from the backend and
// replaced atomically; reads past TTL trigger a refresh under a
// single-flight guard so concurrent readers never cause a thundering herd.
package namecache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"hydrochat/internal/backend"
	"hydrochat/internal/logging"
)

// Lister is the one backend operation the cache needs.
type Lister interface {
	ListPatients(ctx context.Context) backend.Result
}

// ResolutionKind tags the outcome of a name lookup.
type ResolutionKind int

const (
	ResolutionNone ResolutionKind = iota
	ResolutionUnique
	ResolutionAmbiguous
)

// Resolution is the result of Resolve. Candidates is populated for the
// ambiguous case; Patient for the unique case.
type Resolution struct {
	Kind       ResolutionKind
	Patient    *backend.Patient
	Candidates []backend.Patient
}

// snapshot is an immutable view of the two indexes. It is swapped as a
// whole on refresh; identical-name patients stay distinct in byName.
type snapshot struct {
	byName    map[string][]backend.Patient
	byID      map[int]backend.Patient
	fetchedAt time.Time
}

// Stats reports cache health for the operator endpoint.
type Stats struct {
	Patients  int       `json:"patients"`
	Names     int       `json:"names"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
	Refreshes int64     `json:"refreshes"`
	Failures  int64     `json:"refresh_failures"`
}

// Cache maps normalized full names to patient records.
type Cache struct {
	lister Lister
	ttl    time.Duration
	logger *logging.Logger
	now    func() time.Time

	// gen counts backend writes; snapGen records the gen a snapshot was
	// built against. A write landing mid-refresh leaves snapGen behind, so
	// the snapshot stays stale and the next read refreshes again.
	mu        sync.RWMutex
	snap      *snapshot
	gen       int64
	snapGen   int64
	refreshes int64
	failures  int64

	group singleflight.Group
}

// New constructs an empty cache; the first read populates it.
func New(lister Lister, ttl time.Duration, logger *logging.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		lister: lister,
		ttl:    ttl,
		logger: logger.With("component", "namecache"),
		now:    time.Now,
	}
}

// NormalizeName lowercases and collapses interior whitespace so "Jane  Tan"
// and "jane tan" share a cache key.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// Resolve looks up a full name. The result distinguishes unique matches,
// ambiguous sets and misses; ambiguity is never silently collapsed.
func (c *Cache) Resolve(ctx context.Context, fullName string) (Resolution, error) {
	snap, err := c.fresh(ctx)
	if err != nil {
		return Resolution{}, err
	}
	matches := snap.byName[NormalizeName(fullName)]
	switch len(matches) {
	case 0:
		return Resolution{Kind: ResolutionNone}, nil
	case 1:
		p := matches[0]
		return Resolution{Kind: ResolutionUnique, Patient: &p}, nil
	default:
		candidates := make([]backend.Patient, len(matches))
		copy(candidates, matches)
		return Resolution{Kind: ResolutionAmbiguous, Candidates: candidates}, nil
	}
}

// Lookup returns the patient with the given id, if cached.
func (c *Cache) Lookup(ctx context.Context, id int) (*backend.Patient, error) {
	snap, err := c.fresh(ctx)
	if err != nil {
		return nil, err
	}
	if p, ok := snap.byID[id]; ok {
		return &p, nil
	}
	return nil, nil
}

// All returns the snapshot's patients in backend order.
func (c *Cache) All(ctx context.Context) ([]backend.Patient, error) {
	snap, err := c.fresh(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]backend.Patient, 0, len(snap.byID))
	for _, patients := range snap.byName {
		out = append(out, patients...)
	}
	return out, nil
}

// Invalidate marks the snapshot stale; the next read refreshes. Called
// after every successful backend write.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

// Refresh fetches the full patient list and atomically replaces both
// indexes. On failure the previous snapshot keeps serving.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		return nil, c.doRefresh(ctx)
	})
	return err
}

// Stats reports current cache state.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Refreshes: c.refreshes, Failures: c.failures, Stale: c.staleLocked()}
	if c.snap != nil {
		s.Names = len(c.snap.byName)
		s.Patients = len(c.snap.byID)
		s.FetchedAt = c.snap.fetchedAt
	}
	return s
}

// fresh returns a usable snapshot, refreshing first when stale. When a
// refresh fails but an old snapshot exists, the stale data is served and an
// error event logged; the error is surfaced only when nothing is cached.
func (c *Cache) fresh(ctx context.Context) (*snapshot, error) {
	c.mu.RLock()
	snap := c.snap
	stale := c.staleLocked()
	c.mu.RUnlock()

	if !stale {
		return snap, nil
	}

	if err := c.Refresh(ctx); err != nil {
		if snap != nil {
			c.logger.Event(logging.CategoryError, "", "",
				"name cache refresh failed, serving stale snapshot",
				map[string]any{"error": err.Error()})
			return snap, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap, nil
}

func (c *Cache) staleLocked() bool {
	if c.snap == nil || c.snapGen != c.gen {
		return true
	}
	return c.now().Sub(c.snap.fetchedAt) > c.ttl
}

func (c *Cache) doRefresh(ctx context.Context) error {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	res := c.lister.ListPatients(ctx)
	if !res.OK() {
		c.mu.Lock()
		c.failures++
		c.mu.Unlock()
		if res.Err != nil {
			return fmt.Errorf("list patients: %w", res.Err)
		}
		return fmt.Errorf("list patients: %s (status %d)", res.Kind, res.Status)
	}

	byName := make(map[string][]backend.Patient, len(res.Patients))
	byID := make(map[int]backend.Patient, len(res.Patients))
	for _, p := range res.Patients {
		key := NormalizeName(p.FullName())
		byName[key] = append(byName[key], p)
		byID[p.ID] = p
	}

	c.mu.Lock()
	c.snap = &snapshot{byName: byName, byID: byID, fetchedAt: c.now()}
	c.snapGen = gen
	c.refreshes++
	c.mu.Unlock()
	return nil
}
