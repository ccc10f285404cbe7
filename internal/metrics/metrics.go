// Package metrics provides the acquisition recorder: per-tier counters,
// bounded latency rings with percentile summaries, and a Prometheus
// exposition endpoint.
package metrics

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titanfetch/titan/internal/stats"
	"github.com/titanfetch/titan/internal/types"
)

// Ring capacities. Latency percentiles are computed over a bounded
// window so memory stays flat regardless of uptime.
const (
	globalRingSize  = 10000
	perTierRingSize = 5000
)

// ring is a fixed-capacity overwrite buffer of elapsed durations.
type ring struct {
	buf   []time.Duration
	next  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]time.Duration, size)}
}

func (r *ring) add(d time.Duration) {
	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// percentiles returns p50/p90/p99 by nearest rank over the window.
// Returns zeros when the ring is empty.
func (r *ring) percentiles() (p50, p90, p99 time.Duration) {
	if r.count == 0 {
		return 0, 0, 0
	}
	sorted := make([]time.Duration, r.count)
	copy(sorted, r.buf[:r.count])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := func(p float64) time.Duration {
		idx := int(float64(r.count)*p+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= r.count {
			idx = r.count - 1
		}
		return sorted[idx]
	}
	return rank(0.50), rank(0.90), rank(0.99)
}

// TierStats is a point-in-time view of one tier's counters.
type TierStats struct {
	Attempts  uint64        `json:"attempts"`
	Successes uint64        `json:"successes"`
	Failures  uint64        `json:"failures"`
	P50       time.Duration `json:"p50"`
	P90       time.Duration `json:"p90"`
	P99       time.Duration `json:"p99"`
}

// Summary is a consistent snapshot across all tiers.
type Summary struct {
	Global        TierStats                    `json:"global"`
	Tiers         map[string]TierStats         `json:"tiers"`
	Escalations   map[string]uint64            `json:"escalations"`
	FailureKinds  map[types.ErrorKind]uint64   `json:"failureKinds"`
	Domains       map[string]stats.DomainStats `json:"domains,omitempty"`
	SessionHits   uint64                       `json:"sessionHits"`
	SessionMisses uint64                       `json:"sessionMisses"`
	TasksQueued   uint64                       `json:"tasksQueued"`
	TasksSolved   uint64                       `json:"tasksSolved"`
	TasksFailed   uint64                       `json:"tasksFailed"`
}

// Recorder aggregates acquisition outcomes. All methods are safe for
// concurrent use. A Recorder registers itself with its own Prometheus
// registry; Handler serves the exposition endpoint.
type Recorder struct {
	mu sync.Mutex

	global   *ring
	tiers    [types.MaxTier + 1]tierCounters
	escal    map[string]uint64 // "T1>T2" transition counts
	byKind   map[types.ErrorKind]uint64
	sessHits uint64
	sessMiss uint64
	queued   uint64
	solved   uint64
	failedT  uint64

	domains *stats.Tracker

	reg *prometheus.Registry

	attemptsTotal  *prometheus.CounterVec
	escalations    *prometheus.CounterVec
	failuresTotal  *prometheus.CounterVec
	sessionLookups *prometheus.CounterVec
	tasksTotal     *prometheus.CounterVec
	poolAvailable  prometheus.Gauge
	poolSize       prometheus.Gauge
	proxyHealthy   prometheus.Gauge
	activeSessions prometheus.Gauge
	goroutines     prometheus.GaugeFunc
	memAlloc       prometheus.GaugeFunc
	buildInfo      *prometheus.GaugeVec
}

type tierCounters struct {
	attempts  uint64
	successes uint64
	failures  uint64
	ring      *ring
}

// NewRecorder constructs a Recorder with an isolated registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		global:   newRing(globalRingSize),
		escal:    make(map[string]uint64),
		byKind:   make(map[types.ErrorKind]uint64),
		domains:  stats.NewTracker(),
		reg:      prometheus.NewRegistry(),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_attempts_total",
				Help: "Acquisition attempts by tier and result",
			},
			[]string{"tier", "result"},
		),
		escalations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_escalations_total",
				Help: "Tier escalations by origin and destination tier",
			},
			[]string{"from", "to"},
		),
		failuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_failures_total",
				Help: "Failed acquisitions by error kind",
			},
			[]string{"kind"},
		),
		sessionLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_session_lookups_total",
				Help: "Clearance session cache lookups by result",
			},
			[]string{"result"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "titan_captcha_tasks_total",
				Help: "Manual solve tasks by lifecycle event",
			},
			[]string{"event"},
		),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_browser_pool_size",
			Help: "Configured browser pool size",
		}),
		poolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_browser_pool_available",
			Help: "Idle browsers in the pool",
		}),
		proxyHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_proxies_healthy",
			Help: "Proxies currently in the healthy state",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "titan_active_sessions",
			Help: "Unexpired clearance sessions",
		}),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "titan_build_info",
				Help: "Build information",
			},
			[]string{"version", "go_version"},
		),
	}
	for t := types.TierImpersonate; t <= types.MaxTier; t++ {
		r.tiers[t].ring = newRing(perTierRingSize)
	}
	r.goroutines = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "titan_goroutines",
		Help: "Current number of goroutines",
	}, func() float64 { return float64(runtime.NumGoroutine()) })
	r.memAlloc = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "titan_memory_alloc_bytes",
		Help: "Current heap allocation",
	}, func() float64 {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		return float64(m.Alloc)
	})

	r.reg.MustRegister(
		r.attemptsTotal,
		r.escalations,
		r.failuresTotal,
		r.sessionLookups,
		r.tasksTotal,
		r.poolSize,
		r.poolAvailable,
		r.proxyHealthy,
		r.activeSessions,
		r.goroutines,
		r.memAlloc,
		r.buildInfo,
		latencyCollector{r},
	)
	return r
}

// RecordAttempt records one driver execution at a tier.
func (r *Recorder) RecordAttempt(tier types.Tier, class types.Classification, elapsed time.Duration, kind types.ErrorKind) {
	result := "failure"
	switch class {
	case types.ClassSuccess:
		result = "success"
	case types.ClassTransient:
		result = "transient"
	case types.ClassEscalate:
		result = "escalate"
	case types.ClassManualSolve:
		result = "manual"
	}
	r.attemptsTotal.WithLabelValues(tier.String(), result).Inc()
	if kind != types.ErrKindNone {
		r.failuresTotal.WithLabelValues(string(kind)).Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !tier.Valid() {
		return
	}
	tc := &r.tiers[tier]
	tc.attempts++
	if class == types.ClassSuccess {
		tc.successes++
	} else if class == types.ClassFatal || class == types.ClassManualSolve {
		tc.failures++
	}
	if kind != types.ErrKindNone {
		r.byKind[kind]++
	}
	tc.ring.add(elapsed)
	r.global.add(elapsed)
}

// RecordSessionLookup records one session cache lookup.
func (r *Recorder) RecordSessionLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.sessionLookups.WithLabelValues(result).Inc()
	r.mu.Lock()
	if hit {
		r.sessHits++
	} else {
		r.sessMiss++
	}
	r.mu.Unlock()
}

// RecordDomain tallies one terminal orchestration against its domain.
func (r *Recorder) RecordDomain(domain string, tier types.Tier, class types.Classification) {
	r.domains.Record(domain, tier, class)
}

// Domain returns the tracked history for one domain.
func (r *Recorder) Domain(domain string) (stats.DomainStats, bool) {
	return r.domains.Get(domain)
}

// RecordEscalation records a tier transition.
func (r *Recorder) RecordEscalation(from, to types.Tier) {
	r.escalations.WithLabelValues(from.String(), to.String()).Inc()
	r.mu.Lock()
	r.escal[from.String()+">"+to.String()]++
	r.mu.Unlock()
}

// RecordTask records a manual solve task lifecycle event: "enqueued",
// "solved", "failed", "expired".
func (r *Recorder) RecordTask(event string) {
	r.tasksTotal.WithLabelValues(event).Inc()
	r.mu.Lock()
	switch event {
	case "enqueued":
		r.queued++
	case "solved":
		r.solved++
	case "failed", "expired":
		r.failedT++
	}
	r.mu.Unlock()
}

// SetPool updates browser pool gauges.
func (r *Recorder) SetPool(size, available int) {
	r.poolSize.Set(float64(size))
	r.poolAvailable.Set(float64(available))
}

// SetProxiesHealthy updates the healthy proxy gauge.
func (r *Recorder) SetProxiesHealthy(n int) {
	r.proxyHealthy.Set(float64(n))
}

// SetActiveSessions updates the clearance session gauge.
func (r *Recorder) SetActiveSessions(n int) {
	r.activeSessions.Set(float64(n))
}

// SetBuildInfo publishes the build info metric.
func (r *Recorder) SetBuildInfo(version, goVersion string) {
	r.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Snapshot returns a consistent view of all counters and percentiles.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		Tiers:         make(map[string]TierStats, int(types.MaxTier)),
		Escalations:   make(map[string]uint64, len(r.escal)),
		FailureKinds:  make(map[types.ErrorKind]uint64, len(r.byKind)),
		Domains:       r.domains.Snapshot(),
		SessionHits:   r.sessHits,
		SessionMisses: r.sessMiss,
		TasksQueued:   r.queued,
		TasksSolved:   r.solved,
		TasksFailed:   r.failedT,
	}
	var gAttempts, gSucc, gFail uint64
	for t := types.TierImpersonate; t <= types.MaxTier; t++ {
		tc := &r.tiers[t]
		p50, p90, p99 := tc.ring.percentiles()
		s.Tiers[t.String()] = TierStats{
			Attempts:  tc.attempts,
			Successes: tc.successes,
			Failures:  tc.failures,
			P50:       p50,
			P90:       p90,
			P99:       p99,
		}
		gAttempts += tc.attempts
		gSucc += tc.successes
		gFail += tc.failures
	}
	p50, p90, p99 := r.global.percentiles()
	s.Global = TierStats{
		Attempts:  gAttempts,
		Successes: gSucc,
		Failures:  gFail,
		P50:       p50,
		P90:       p90,
		P99:       p99,
	}
	for k, v := range r.escal {
		s.Escalations[k] = v
	}
	for k, v := range r.byKind {
		s.FailureKinds[k] = v
	}
	return s
}

// Handler returns the Prometheus exposition handler for this recorder.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// latencyCollector exposes ring percentiles as gauges computed at
// scrape time.
type latencyCollector struct {
	r *Recorder
}

var latencyDesc = prometheus.NewDesc(
	"titan_latency_seconds",
	"Acquisition latency percentiles over a bounded window",
	[]string{"tier", "quantile"},
	nil,
)

func (c latencyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- latencyDesc
}

func (c latencyCollector) Collect(ch chan<- prometheus.Metric) {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()

	emit := func(tier string, p50, p90, p99 time.Duration) {
		ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, p50.Seconds(), tier, "0.5")
		ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, p90.Seconds(), tier, "0.9")
		ch <- prometheus.MustNewConstMetric(latencyDesc, prometheus.GaugeValue, p99.Seconds(), tier, "0.99")
	}

	p50, p90, p99 := c.r.global.percentiles()
	emit("all", p50, p90, p99)
	for t := types.TierImpersonate; t <= types.MaxTier; t++ {
		p50, p90, p99 := c.r.tiers[t].ring.percentiles()
		emit(t.String(), p50, p90, p99)
	}
}
