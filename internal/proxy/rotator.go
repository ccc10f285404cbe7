// Package proxy provides the upstream proxy rotator: strategy-based
// selection over a pool of egress proxies with per-proxy health state
// and optional sticky per-domain bindings.
package proxy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/types"
)

// Strategy selects how the rotator hands out proxies.
type Strategy string

// Rotation strategies.
const (
	StrategyRoundRobin Strategy = "round-robin"
	StrategyRandom     Strategy = "random"
	StrategySticky     Strategy = "sticky"
)

// State is the health state of one proxy.
type State int

// Proxy health states. A cooling proxy re-enters rotation when its
// cooling period elapses; a banned proxy sits out the ban period
// before it is retried.
const (
	StateHealthy State = iota
	StateCooling
	StateBanned
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCooling:
		return "cooling"
	case StateBanned:
		return "banned"
	}
	return "unknown"
}

// Config holds rotator tuning.
type Config struct {
	Strategy       Strategy
	CoolingPeriod  time.Duration
	BanPeriod      time.Duration // how long a ban lasts; zero means until pool reload
	StickyTTL      time.Duration
	MaxFails       int  // consecutive failures before a cooling proxy is banned
	FallbackDirect bool // hand out a direct connection when the pool is exhausted
}

// DefaultConfig returns the standard rotator tuning.
func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyRoundRobin,
		CoolingPeriod:  5 * time.Minute,
		BanPeriod:      time.Hour,
		StickyTTL:      30 * time.Minute,
		MaxFails:       5,
		FallbackDirect: true,
	}
}

type entry struct {
	url       string
	state     State
	coolUntil time.Time
	banUntil  time.Time
	fails     int
	uses      uint64
	successes uint64
}

type binding struct {
	url     string
	expires time.Time
}

// ProxyInfo is a point-in-time view of one pool member.
type ProxyInfo struct {
	URL       string `json:"url"`
	State     string `json:"state"`
	Fails     int    `json:"fails"`
	Uses      uint64 `json:"uses"`
	Successes uint64 `json:"successes"`
}

// Rotator hands out proxies and tracks their health. All methods are
// safe for concurrent use. The empty URL means a direct connection.
type Rotator struct {
	mu      sync.Mutex
	cfg     Config
	entries []*entry
	byURL   map[string]*entry
	rrIdx   int
	sticky  map[string]binding
	rnd     *rand.Rand
	nowFn   func() time.Time
}

// NewRotator builds a rotator over the given proxy URLs. An empty list
// is valid; Next then returns direct or ErrNoProxyAvailable depending
// on FallbackDirect.
func NewRotator(urls []string, cfg Config) *Rotator {
	r := &Rotator{
		cfg:    cfg,
		byURL:  make(map[string]*entry),
		sticky: make(map[string]binding),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:  time.Now,
	}
	r.setPoolLocked(urls)
	return r
}

// setPoolLocked replaces the pool, preserving health state for proxies
// that survive the swap. Must be called with mu held (the constructor
// is exempt since the rotator is not yet shared).
func (r *Rotator) setPoolLocked(urls []string) {
	old := r.byURL
	r.entries = r.entries[:0]
	r.byURL = make(map[string]*entry, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, dup := r.byURL[u]; dup {
			continue
		}
		e, ok := old[u]
		if !ok {
			e = &entry{url: u}
		}
		r.entries = append(r.entries, e)
		r.byURL[u] = e
	}
	// Drop sticky bindings that point outside the new pool.
	for domain, b := range r.sticky {
		if _, ok := r.byURL[b.url]; !ok {
			delete(r.sticky, domain)
		}
	}
	if r.rrIdx >= len(r.entries) {
		r.rrIdx = 0
	}
}

// Reload replaces the pool with a new URL list. Health state of proxies
// present in both the old and new list is preserved.
func (r *Rotator) Reload(urls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setPoolLocked(urls)
	log.Info().Int("pool_size", len(r.entries)).Msg("Proxy pool reloaded")
}

// usable reports whether the entry can serve traffic now, recovering it
// lazily from cooling or from an elapsed ban.
func (r *Rotator) usable(e *entry, now time.Time) bool {
	switch e.state {
	case StateHealthy:
		return true
	case StateCooling:
		if now.After(e.coolUntil) {
			e.state = StateHealthy
			return true
		}
	case StateBanned:
		if !e.banUntil.IsZero() && now.After(e.banUntil) {
			e.state = StateHealthy
			e.fails = 0
			return true
		}
	}
	return false
}

// Next returns the proxy URL to use for the given domain. The empty
// string means connect directly. Returns ErrNoProxyAvailable when the
// pool has no usable proxy and direct fallback is disabled.
func (r *Rotator) Next(domain string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()

	if r.cfg.Strategy == StrategySticky && domain != "" {
		if b, ok := r.sticky[domain]; ok && now.Before(b.expires) {
			if e, ok := r.byURL[b.url]; ok && r.usable(e, now) {
				e.uses++
				return e.url, nil
			}
			delete(r.sticky, domain)
		}
	}

	e := r.pickLocked(now)
	if e == nil {
		if r.cfg.FallbackDirect {
			return "", nil
		}
		return "", types.ErrNoProxyAvailable
	}
	e.uses++

	if r.cfg.Strategy == StrategySticky && domain != "" {
		r.sticky[domain] = binding{url: e.url, expires: now.Add(r.cfg.StickyTTL)}
	}
	return e.url, nil
}

// pickLocked selects a usable entry per the configured strategy.
func (r *Rotator) pickLocked(now time.Time) *entry {
	n := len(r.entries)
	if n == 0 {
		return nil
	}
	if r.cfg.Strategy == StrategyRandom {
		// Collect usable candidates so a large banned set does not
		// starve the draw.
		usable := make([]*entry, 0, n)
		for _, e := range r.entries {
			if r.usable(e, now) {
				usable = append(usable, e)
			}
		}
		if len(usable) == 0 {
			return nil
		}
		return usable[r.rnd.Intn(len(usable))]
	}
	// Round-robin (also the sticky fallback when no binding exists).
	for i := 0; i < n; i++ {
		e := r.entries[r.rrIdx%n]
		r.rrIdx++
		if r.usable(e, now) {
			return e
		}
	}
	return nil
}

// MarkSuccess records a successful acquisition through the proxy and
// clears its failure streak.
func (r *Rotator) MarkSuccess(url string) {
	if url == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byURL[url]; ok {
		e.fails = 0
		e.successes++
	}
}

// MarkCooling pulls the proxy out of rotation for the cooling period.
// Repeated cooling beyond MaxFails escalates to a ban.
func (r *Rotator) MarkCooling(url string) {
	if url == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byURL[url]
	if !ok || e.state == StateBanned {
		return
	}
	e.fails++
	if r.cfg.MaxFails > 0 && e.fails >= r.cfg.MaxFails {
		r.banLocked(e)
		return
	}
	e.state = StateCooling
	e.coolUntil = r.nowFn().Add(r.cfg.CoolingPeriod)
	log.Debug().Str("proxy", url).Int("fails", e.fails).Msg("Proxy cooling")
}

// MarkBanned pulls the proxy out of rotation for the ban period. With
// no ban period configured it stays out until the next pool reload
// that includes it.
func (r *Rotator) MarkBanned(url string) {
	if url == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byURL[url]; ok {
		r.banLocked(e)
	}
}

func (r *Rotator) banLocked(e *entry) {
	e.state = StateBanned
	e.banUntil = time.Time{}
	if r.cfg.BanPeriod > 0 {
		e.banUntil = r.nowFn().Add(r.cfg.BanPeriod)
	}
	for domain, b := range r.sticky {
		if b.url == e.url {
			delete(r.sticky, domain)
		}
	}
	log.Warn().Str("proxy", e.url).Time("until", e.banUntil).Msg("Proxy banned")
}

// HealthyCount returns the number of proxies currently usable.
func (r *Rotator) HealthyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFn()
	n := 0
	for _, e := range r.entries {
		if r.usable(e, now) {
			n++
		}
	}
	return n
}

// Snapshot returns the current pool state for diagnostics.
func (r *Rotator) Snapshot() []ProxyInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProxyInfo, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, ProxyInfo{
			URL:       e.url,
			State:     e.state.String(),
			Fails:     e.fails,
			Uses:      e.uses,
			Successes: e.successes,
		})
	}
	return out
}
