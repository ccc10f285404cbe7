package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

func TestRingPercentiles(t *testing.T) {
	r := newRing(100)
	for i := 1; i <= 100; i++ {
		r.add(time.Duration(i) * time.Millisecond)
	}
	p50, p90, p99 := r.percentiles()
	if p50 != 50*time.Millisecond {
		t.Errorf("p50 = %v, want 50ms", p50)
	}
	if p90 != 90*time.Millisecond {
		t.Errorf("p90 = %v, want 90ms", p90)
	}
	if p99 != 99*time.Millisecond {
		t.Errorf("p99 = %v, want 99ms", p99)
	}
}

func TestRingEmpty(t *testing.T) {
	r := newRing(10)
	p50, p90, p99 := r.percentiles()
	if p50 != 0 || p90 != 0 || p99 != 0 {
		t.Errorf("empty ring percentiles = %v/%v/%v, want zeros", p50, p90, p99)
	}
}

func TestRingOverwrite(t *testing.T) {
	r := newRing(4)
	for i := 1; i <= 10; i++ {
		r.add(time.Duration(i) * time.Second)
	}
	if r.count != 4 {
		t.Fatalf("count = %d, want 4", r.count)
	}
	// Only the last four samples (7s..10s) remain.
	p50, _, p99 := r.percentiles()
	if p50 < 7*time.Second {
		t.Errorf("p50 = %v, want >= 7s after overwrite", p50)
	}
	if p99 != 10*time.Second {
		t.Errorf("p99 = %v, want 10s", p99)
	}
}

func TestRecorderSnapshot(t *testing.T) {
	rec := NewRecorder()

	rec.RecordAttempt(types.TierImpersonate, types.ClassSuccess, 100*time.Millisecond, types.ErrKindNone)
	rec.RecordAttempt(types.TierImpersonate, types.ClassEscalate, 200*time.Millisecond, types.ErrKindChallengeCF)
	rec.RecordAttempt(types.TierLightweight, types.ClassSuccess, 300*time.Millisecond, types.ErrKindNone)
	rec.RecordAttempt(types.TierCDP, types.ClassFatal, 2*time.Second, types.ErrKindHTTP4xx)
	rec.RecordEscalation(types.TierImpersonate, types.TierLightweight)
	rec.RecordTask("enqueued")
	rec.RecordTask("solved")

	s := rec.Snapshot()

	if s.Global.Attempts != 4 {
		t.Errorf("global attempts = %d, want 4", s.Global.Attempts)
	}
	if s.Global.Successes != 2 {
		t.Errorf("global successes = %d, want 2", s.Global.Successes)
	}
	t1 := s.Tiers["T1"]
	if t1.Attempts != 2 || t1.Successes != 1 {
		t.Errorf("T1 = %+v, want 2 attempts 1 success", t1)
	}
	if s.Tiers["T3"].Failures != 1 {
		t.Errorf("T3 failures = %d, want 1", s.Tiers["T3"].Failures)
	}
	if s.Escalations["T1>T2"] != 1 {
		t.Errorf("escalations T1>T2 = %d, want 1", s.Escalations["T1>T2"])
	}
	if s.FailureKinds[types.ErrKindChallengeCF] != 1 {
		t.Errorf("challenge-cf count = %d, want 1", s.FailureKinds[types.ErrKindChallengeCF])
	}
	if s.TasksQueued != 1 || s.TasksSolved != 1 {
		t.Errorf("tasks = %d queued %d solved, want 1/1", s.TasksQueued, s.TasksSolved)
	}
	if t1.P50 <= 0 {
		t.Errorf("T1 p50 = %v, want positive", t1.P50)
	}
}

func TestRecorderSessionAndDomainTallies(t *testing.T) {
	rec := NewRecorder()
	rec.RecordSessionLookup(true)
	rec.RecordSessionLookup(true)
	rec.RecordSessionLookup(false)
	rec.RecordDomain("example.com", types.TierCDP, types.ClassFatal)
	rec.RecordDomain("example.com", types.TierImpersonate, types.ClassSuccess)
	rec.RecordDomain("", types.TierImpersonate, types.ClassFatal)

	s := rec.Snapshot()
	if s.SessionHits != 2 || s.SessionMisses != 1 {
		t.Errorf("session lookups = %d hits %d misses, want 2/1", s.SessionHits, s.SessionMisses)
	}
	d := s.Domains["example.com"]
	if d.Attempts != 2 || d.Failures != 1 || d.Successes != 1 {
		t.Errorf("domain tallies = %+v, want 2 attempts, 1 failure, 1 success", d)
	}
	if d.LastTier != "T1" {
		t.Errorf("last tier = %q, want T1", d.LastTier)
	}
	if len(s.Domains) != 1 {
		t.Errorf("domain tally size = %d, want 1", len(s.Domains))
	}
	if got, ok := rec.Domain("example.com"); !ok || got.Attempts != 2 {
		t.Errorf("Domain() = %+v, %v", got, ok)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder()
	rec.RecordAttempt(types.TierImpersonate, types.ClassSuccess, 50*time.Millisecond, types.ErrKindNone)
	rec.SetProxiesHealthy(3)
	rec.SetBuildInfo("test", "go1.24")

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`titan_attempts_total{result="success",tier="T1"} 1`,
		`titan_proxies_healthy 3`,
		`titan_latency_seconds{quantile="0.5",tier="T1"}`,
		`titan_build_info`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestRecorderConcurrent(t *testing.T) {
	rec := NewRecorder()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 500; j++ {
				rec.RecordAttempt(types.TierCDP, types.ClassSuccess, time.Millisecond, types.ErrKindNone)
			}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	s := rec.Snapshot()
	if s.Tiers["T3"].Attempts != 4000 {
		t.Errorf("T3 attempts = %d, want 4000", s.Tiers["T3"].Attempts)
	}
}
