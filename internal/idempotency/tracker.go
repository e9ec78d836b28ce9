// Package idempotency records which mentions have been handled so that each
// one is acted on at most once across poll cycles.
package idempotency

import (
	"sort"
	"sync"
	"time"
)

const (
	DefaultMaxEntries = 10000
	// evictDivisor sets the share of MaxEntries (one fifth) dropped, oldest
	// first, when the bound is exceeded.
	evictDivisor = 5
)

// Record is the processing state of one mention id.
type Record struct {
	ID          string    `json:"id"`
	ProcessedAt time.Time `json:"processed_at"`
	Skipped     bool      `json:"skipped"`
}

// Config tunes a Tracker.
type Config struct {
	MaxEntries int
	// TTL expires entries older than this on the next Mark. Zero disables it.
	TTL time.Duration
	Now func() time.Time
}

// Tracker is a bounded set of processed mention ids.
type Tracker struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	entries    map[string]entry
	seq        uint64
}

// entry keeps an insertion sequence so eviction is stable for equal timestamps.
type entry struct {
	processedAt time.Time
	skipped     bool
	seq         uint64
}

func New(cfg Config) *Tracker {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		maxEntries: cfg.MaxEntries,
		ttl:        cfg.TTL,
		now:        cfg.Now,
		entries:    make(map[string]entry),
	}
}

// Has reports whether id has been processed. It never mutates the tracker;
// entries past their TTL read as absent even before they are removed.
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	return !t.expired(e, t.now())
}

// Mark records id as processed. Age-based expiry runs first, then the size
// bound: when it is exceeded the oldest ceil(20% of MaxEntries) are evicted.
func (t *Tracker) Mark(id string, skipped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.seq++
	t.entries[id] = entry{processedAt: now, skipped: skipped, seq: t.seq}

	if t.ttl > 0 {
		for k, e := range t.entries {
			if t.expired(e, now) {
				delete(t.entries, k)
			}
		}
	}
	if len(t.entries) > t.maxEntries {
		t.evictOldest(evictCount(t.maxEntries))
	}
}

// ForceReprocess forgets id so the next cycle handles it again. It reports
// whether id was present.
func (t *Tracker) ForceReprocess(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	delete(t.entries, id)
	return ok
}

// Lookup returns the record for id, if any.
func (t *Tracker) Lookup(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Record{}, false
	}
	return Record{ID: id, ProcessedAt: e.processedAt, Skipped: e.skipped}, true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns all records ordered oldest first.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.orderedIDs()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		e := t.entries[id]
		out = append(out, Record{ID: id, ProcessedAt: e.processedAt, Skipped: e.skipped})
	}
	return out
}

// Restore loads records, keeping their timestamps. Existing entries with the
// same id are overwritten. The size bound is enforced afterwards.
func (t *Tracker) Restore(records []Record) {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ProcessedAt.Before(sorted[j].ProcessedAt)
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range sorted {
		if r.ID == "" {
			continue
		}
		t.seq++
		t.entries[r.ID] = entry{processedAt: r.ProcessedAt, skipped: r.Skipped, seq: t.seq}
	}
	for len(t.entries) > t.maxEntries {
		t.evictOldest(evictCount(t.maxEntries))
	}
}

func (t *Tracker) expired(e entry, now time.Time) bool {
	return t.ttl > 0 && now.Sub(e.processedAt) > t.ttl
}

func (t *Tracker) evictOldest(n int) {
	ids := t.orderedIDs()
	if n > len(ids) {
		n = len(ids)
	}
	for _, id := range ids[:n] {
		delete(t.entries, id)
	}
}

// orderedIDs sorts ids by processedAt ascending, then insertion order.
func (t *Tracker) orderedIDs() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := t.entries[ids[i]], t.entries[ids[j]]
		if !a.processedAt.Equal(b.processedAt) {
			return a.processedAt.Before(b.processedAt)
		}
		return a.seq < b.seq
	})
	return ids
}

func evictCount(maxEntries int) int {
	n := (maxEntries + evictDivisor - 1) / evictDivisor
	if n < 1 {
		n = 1
	}
	return n
}
