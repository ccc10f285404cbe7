// Package stats tracks per-domain acquisition history: how often a
// domain was fetched, how it terminated, and which tier it needed last.
// The tracker is in-memory and bounded; it informs operators via the
// stats endpoint, not the escalation policy.
package stats

import (
	"sync"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

const (
	// maxDomains bounds the tracked set before LRU eviction.
	maxDomains = 10000
	// evictionBatch is how many domains one eviction removes, so a hot
	// tracker does not evict on every insert.
	evictionBatch = 100
)

// DomainStats is the acquisition history of one domain.
type DomainStats struct {
	Attempts     uint64    `json:"attempts"`
	Successes    uint64    `json:"successes"`
	Failures     uint64    `json:"failures"`
	ManualSolves uint64    `json:"manualSolves"`
	LastTier     string    `json:"lastTier,omitempty"`
	LastSuccess  time.Time `json:"lastSuccess,omitzero"`
	LastFailure  time.Time `json:"lastFailure,omitzero"`
}

type entry struct {
	stats    DomainStats
	lastSeen time.Time
}

// Tracker aggregates DomainStats per domain. Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	domains map[string]*entry
	now     func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		domains: make(map[string]*entry),
		now:     time.Now,
	}
}

// Record tallies one terminal orchestration for domain. tier is the
// tier the run ended on.
func (t *Tracker) Record(domain string, tier types.Tier, class types.Classification) {
	if domain == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.domains[domain]
	if !ok {
		if len(t.domains) >= maxDomains {
			t.evictOldest()
		}
		e = &entry{}
		t.domains[domain] = e
	}
	now := t.now()
	e.lastSeen = now

	e.stats.Attempts++
	if tier.Valid() {
		e.stats.LastTier = tier.String()
	}
	switch class {
	case types.ClassSuccess:
		e.stats.Successes++
		e.stats.LastSuccess = now
	case types.ClassManualSolve:
		e.stats.ManualSolves++
		e.stats.LastFailure = now
	default:
		e.stats.Failures++
		e.stats.LastFailure = now
	}
}

// Get returns the stats for domain and whether it is tracked.
func (t *Tracker) Get(domain string) (DomainStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.domains[domain]
	if !ok {
		return DomainStats{}, false
	}
	return e.stats, true
}

// Snapshot copies the tracked set.
func (t *Tracker) Snapshot() map[string]DomainStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]DomainStats, len(t.domains))
	for domain, e := range t.domains {
		out[domain] = e.stats
	}
	return out
}

// Len returns the number of tracked domains.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.domains)
}

// evictOldest removes the least recently seen domains. Caller holds mu.
func (t *Tracker) evictOldest() {
	n := evictionBatch
	if n > len(t.domains) {
		n = len(t.domains)
	}
	for i := 0; i < n; i++ {
		oldest := ""
		var oldestSeen time.Time
		for domain, e := range t.domains {
			if oldest == "" || e.lastSeen.Before(oldestSeen) {
				oldest = domain
				oldestSeen = e.lastSeen
			}
		}
		delete(t.domains, oldest)
	}
}
