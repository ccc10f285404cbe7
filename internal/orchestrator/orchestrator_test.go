package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/titanfetch/titan/internal/captchaq"
	"github.com/titanfetch/titan/internal/clearance"
	"github.com/titanfetch/titan/internal/driver"
	"github.com/titanfetch/titan/internal/metrics"
	"github.com/titanfetch/titan/internal/proxy"
	"github.com/titanfetch/titan/internal/types"
)

// scriptedDriver returns canned outcomes in order, repeating the last
// one when the script runs out.
type scriptedDriver struct {
	mu       sync.Mutex
	tier     types.Tier
	outcomes []*types.Outcome
	calls    int
}

func (d *scriptedDriver) Tier() types.Tier { return d.tier }
func (d *scriptedDriver) Close() error     { return nil }

func (d *scriptedDriver) Execute(ctx context.Context, req *types.Request) (*types.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.calls
	if idx >= len(d.outcomes) {
		idx = len(d.outcomes) - 1
	}
	d.calls++
	o := *d.outcomes[idx]
	o.Tier = d.tier
	o.ProxyURL = req.ProxyURL
	return &o, nil
}

func (d *scriptedDriver) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func success(body int) *types.Outcome {
	return &types.Outcome{OK: true, Status: 200, Body: make([]byte, body), Elapsed: time.Millisecond}
}

func challenged() *types.Outcome {
	return &types.Outcome{
		OK:        false,
		Status:    403,
		Challenge: types.ChallengeInterstitial,
		Elapsed:   time.Millisecond,
	}
}

func connectError() *types.Outcome {
	return &types.Outcome{OK: false, ErrorKind: types.ErrKindConnect, Elapsed: time.Millisecond}
}

type fixture struct {
	orch  *Orchestrator
	queue *captchaq.Queue
	store *clearance.MemoryStore
	rec   *metrics.Recorder
}

func newFixture(t *testing.T, cfg Config, drivers ...driver.Driver) *fixture {
	t.Helper()

	store := clearance.NewMemoryStore(0)
	t.Cleanup(func() { store.Close() })

	qcfg := captchaq.DefaultConfig()
	qcfg.SweepInterval = 0
	queue, err := captchaq.Open(filepath.Join(t.TempDir(), "tasks.db"), qcfg, store)
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { queue.Close() })

	rotator := proxy.NewRotator(nil, proxy.DefaultConfig())
	rec := metrics.NewRecorder()

	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = time.Millisecond
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = 2 * time.Millisecond
	}

	orch := New(cfg, driver.NewRegistry(drivers...), rotator, store, queue, rec)
	return &fixture{orch: orch, queue: queue, store: store, rec: rec}
}

func TestRunImmediateSuccess(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{}, d1)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess || !res.Outcome.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.EscalationPath) != 1 || res.EscalationPath[0] != types.TierImpersonate {
		t.Errorf("path = %v", res.EscalationPath)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
}

func TestRunEscalatesOnChallenge(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{challenged()}}
	d2 := &scriptedDriver{tier: types.TierLightweight, outcomes: []*types.Outcome{challenged()}}
	d3 := &scriptedDriver{tier: types.TierCDP, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{}, d1, d2, d3)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v", res.Classification)
	}
	want := []types.Tier{types.TierImpersonate, types.TierLightweight, types.TierCDP}
	if len(res.EscalationPath) != 3 {
		t.Fatalf("path = %v, want %v", res.EscalationPath, want)
	}
	for i, tier := range want {
		if res.EscalationPath[i] != tier {
			t.Errorf("path[%d] = %v, want %v", i, res.EscalationPath[i], tier)
		}
	}
	if d1.callCount() != 1 || d2.callCount() != 1 || d3.callCount() != 1 {
		t.Errorf("calls = %d/%d/%d, want 1 each", d1.callCount(), d2.callCount(), d3.callCount())
	}
}

func TestRunSkipsUnregisteredTier(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{challenged()}}
	d3 := &scriptedDriver{tier: types.TierCDP, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{}, d1, d3)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v, outcome %+v", res.Classification, res.Outcome)
	}
	want := []types.Tier{types.TierImpersonate, types.TierCDP}
	if len(res.EscalationPath) != 2 || res.EscalationPath[0] != want[0] || res.EscalationPath[1] != want[1] {
		t.Errorf("path = %v, want %v", res.EscalationPath, want)
	}
}

func TestRunTransientRetriesThenEscalates(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{connectError()}}
	d2 := &scriptedDriver{tier: types.TierLightweight, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{}, d1, d2)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v, outcome %+v", res.Classification, res.Outcome)
	}
	// Two transient retries at T1 before the verdict hardens.
	if d1.callCount() != 3 {
		t.Errorf("T1 calls = %d, want 3", d1.callCount())
	}
}

func TestRunPerTierRetryOverride(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{connectError()}}
	d2 := &scriptedDriver{tier: types.TierLightweight, outcomes: []*types.Outcome{success(4096)}}
	cfg := Config{RetriesByTier: map[types.Tier]int{types.TierImpersonate: 0}}
	f := newFixture(t, cfg, d1, d2)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v, outcome %+v", res.Classification, res.Outcome)
	}
	// retries: 0 at T1 escalates on the first transient failure.
	if d1.callCount() != 1 {
		t.Errorf("T1 calls = %d, want 1", d1.callCount())
	}
	if d2.callCount() != 1 {
		t.Errorf("T2 calls = %d, want 1", d2.callCount())
	}
}

func TestRunFatalStops(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{
		{OK: false, Status: 404, Elapsed: time.Millisecond},
	}}
	f := newFixture(t, Config{}, d1)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/missing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassFatal {
		t.Fatalf("classification = %v", res.Classification)
	}
	if d1.callCount() != 1 {
		t.Errorf("calls = %d, want 1", d1.callCount())
	}
	if f.rec.Snapshot().Domains["example.com"].Failures != 1 {
		t.Error("domain failure not tallied")
	}
}

func TestRunForcedTier(t *testing.T) {
	d3 := &scriptedDriver{tier: types.TierCDP, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{}, d3)

	res, err := f.orch.Run(context.Background(), &types.Request{
		URL:        "https://example.com/",
		ForcedTier: types.TierCDP,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v", res.Classification)
	}
	if res.EscalationPath[0] != types.TierCDP {
		t.Errorf("path = %v", res.EscalationPath)
	}
}

func TestRunSessionInjection(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{}, d1)

	session := clearance.NewSession("example.com", "clear-123", "UA-1", nil, time.Hour)
	if err := f.store.Put(context.Background(), session); err != nil {
		t.Fatalf("put session: %v", err)
	}

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.SessionHit {
		t.Error("expected session hit")
	}
	if f.rec.Snapshot().SessionHits != 1 {
		t.Error("session hit not recorded")
	}
}

func TestRunWriteThroughAfterChallenge(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{challenged()}}
	solved := success(4096)
	solved.Cookies = []types.Cookie{{Name: "cf_clearance", Value: "earned-456"}}
	solved.UserAgent = "UA-2"
	d2 := &scriptedDriver{tier: types.TierLightweight, outcomes: []*types.Outcome{solved}}
	f := newFixture(t, Config{}, d1, d2)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v", res.Classification)
	}

	session, err := f.store.Get(context.Background(), "example.com")
	if err != nil || session == nil {
		t.Fatalf("expected written session, got %v err %v", session, err)
	}
	if session.Clearance != "earned-456" || session.UserAgent != "UA-2" {
		t.Errorf("session = %+v", session)
	}
}

func TestRunParksAndResumesOnSolve(t *testing.T) {
	// T5 sees a Turnstile at the covert rung; classifier demands a
	// manual solve. After the solve, T1 succeeds with the session.
	turnstile := &types.Outcome{
		OK:        false,
		Status:    403,
		Challenge: types.ChallengeTurnstile,
		Elapsed:   time.Millisecond,
	}
	d4 := &scriptedDriver{tier: types.TierCovert, outcomes: []*types.Outcome{turnstile}}
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{success(4096)}}
	f := newFixture(t, Config{OverallDeadline: 10 * time.Second}, d1, d4)

	go func() {
		// Play the human operator: claim and submit the parked task.
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			task, err := f.queue.Claim(context.Background(), "operator-1")
			if err != nil || task == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			_ = f.queue.Submit(context.Background(), task.UUID, "operator-1", types.SolverResult{
				Clearance: "solved-789",
				UserAgent: "UA-3",
			})
			return
		}
	}()

	res, err := f.orch.Run(context.Background(), &types.Request{
		URL:        "https://example.com/",
		ForcedTier: types.TierCovert,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassSuccess {
		t.Fatalf("classification = %v, outcome %+v", res.Classification, res.Outcome)
	}
	if d1.callCount() != 1 {
		t.Errorf("T1 calls after resume = %d, want 1", d1.callCount())
	}

	// The solve wrote the session through the queue.
	session, err := f.store.Get(context.Background(), "example.com")
	if err != nil || session == nil || session.Clearance != "solved-789" {
		t.Errorf("session after solve = %+v err %v", session, err)
	}

	s := f.rec.Snapshot()
	if s.TasksQueued != 1 || s.TasksSolved != 1 {
		t.Errorf("task counters = %d queued %d solved", s.TasksQueued, s.TasksSolved)
	}
}

func TestRunManualSolveFailure(t *testing.T) {
	turnstile := &types.Outcome{
		OK:        false,
		Status:    403,
		Challenge: types.ChallengeTurnstile,
		Elapsed:   time.Millisecond,
	}
	d4 := &scriptedDriver{tier: types.TierCovert, outcomes: []*types.Outcome{turnstile}}
	f := newFixture(t, Config{OverallDeadline: 10 * time.Second}, d4)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			task, err := f.queue.Claim(context.Background(), "operator-1")
			if err != nil || task == nil {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			_ = f.queue.MarkUnsolvable(context.Background(), task.UUID, "cannot solve")
			return
		}
	}()

	res, err := f.orch.Run(context.Background(), &types.Request{
		URL:        "https://example.com/",
		ForcedTier: types.TierCovert,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassFatal {
		t.Fatalf("classification = %v", res.Classification)
	}
	if res.Outcome.ErrorKind != types.ErrKindSolveFailed {
		t.Errorf("error kind = %q", res.Outcome.ErrorKind)
	}
}

func TestRunDeadlineExpired(t *testing.T) {
	d1 := &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{connectError()}}
	f := newFixture(t, Config{OverallDeadline: 50 * time.Millisecond, BackoffBase: 40 * time.Millisecond, BackoffCap: 40 * time.Millisecond}, d1)

	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Classification != types.ClassFatal {
		t.Fatalf("classification = %v", res.Classification)
	}
	if res.Outcome.ErrorKind != types.ErrKindDeadline && res.Outcome.ErrorKind != types.ErrKindCancelled {
		t.Errorf("error kind = %q", res.Outcome.ErrorKind)
	}
}

func TestRunInvalidRequest(t *testing.T) {
	f := newFixture(t, Config{}, &scriptedDriver{tier: types.TierImpersonate, outcomes: []*types.Outcome{success(1)}})
	if _, err := f.orch.Run(context.Background(), &types.Request{}); err == nil {
		t.Error("expected validation error for empty URL")
	}
	if _, err := f.orch.Run(context.Background(), &types.Request{URL: "http://127.0.0.1/"}); err == nil {
		t.Error("expected SSRF rejection for loopback target")
	}
}

func TestRunNoDriverForTier(t *testing.T) {
	f := newFixture(t, Config{}) // empty registry
	res, err := f.orch.Run(context.Background(), &types.Request{URL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome.ErrorKind != types.ErrKindDriverCrash {
		t.Errorf("error kind = %q", res.Outcome.ErrorKind)
	}
}
