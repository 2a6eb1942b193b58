package metrics

import (
	"sort"
	"sync"
	"time"
)

type sample struct {
	at time.Time
	d  time.Duration
}

// sampleRing keeps the most recent duration samples, bounded by both a cap
// and a TTL. Old samples are pruned lazily on access.
type sampleRing struct {
	mu      sync.Mutex
	samples []sample
	max     int
	ttl     time.Duration
	now     func() time.Time
}

func newSampleRing(max int, ttl time.Duration) *sampleRing {
	return &sampleRing{max: max, ttl: ttl, now: time.Now}
}

// Add appends a sample, evicting the oldest when the cap is exceeded.
func (r *sampleRing) Add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	r.samples = append(r.samples, sample{at: r.now(), d: d})
	if len(r.samples) > r.max {
		r.samples = r.samples[len(r.samples)-r.max:]
	}
}

// Percentile returns the p-quantile (0 < p <= 1) of live samples, or zero
// when no samples are retained.
func (r *sampleRing) Percentile(p float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if len(r.samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(r.samples))
	for i, s := range r.samples {
		sorted[i] = s.d
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func (r *sampleRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.samples)
}

func (r *sampleRing) pruneLocked() {
	cutoff := r.now().Add(-r.ttl)
	first := 0
	for first < len(r.samples) && r.samples[first].at.Before(cutoff) {
		first++
	}
	if first > 0 {
		r.samples = r.samples[first:]
	}
}
