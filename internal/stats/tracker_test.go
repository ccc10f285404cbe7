package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

func TestRecordAndGet(t *testing.T) {
	tr := NewTracker()

	tr.Record("example.com", types.TierImpersonate, types.ClassSuccess)
	tr.Record("example.com", types.TierCDP, types.ClassFatal)
	tr.Record("example.com", types.TierClicker, types.ClassManualSolve)
	tr.Record("", types.TierImpersonate, types.ClassSuccess)

	s, ok := tr.Get("example.com")
	if !ok {
		t.Fatal("domain not tracked")
	}
	if s.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", s.Attempts)
	}
	if s.Successes != 1 || s.Failures != 1 || s.ManualSolves != 1 {
		t.Errorf("tallies = %d/%d/%d, want 1/1/1", s.Successes, s.Failures, s.ManualSolves)
	}
	if s.LastTier != "T5" {
		t.Errorf("last tier = %q, want T5", s.LastTier)
	}
	if s.LastSuccess.IsZero() || s.LastFailure.IsZero() {
		t.Error("timestamps not set")
	}

	if _, ok := tr.Get("other.com"); ok {
		t.Error("untracked domain reported present")
	}
	if tr.Len() != 1 {
		t.Errorf("len = %d, want 1", tr.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker()
	tr.Record("a.com", types.TierImpersonate, types.ClassSuccess)

	snap := tr.Snapshot()
	snap["a.com"] = DomainStats{Attempts: 99}

	s, _ := tr.Get("a.com")
	if s.Attempts != 1 {
		t.Errorf("attempts = %d, snapshot mutated the tracker", s.Attempts)
	}
}

func TestEviction(t *testing.T) {
	tr := NewTracker()
	clock := time.Unix(0, 0)
	tr.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 0; i < maxDomains; i++ {
		tr.Record(fmt.Sprintf("d%05d.com", i), types.TierImpersonate, types.ClassSuccess)
	}
	tr.Record("newest.com", types.TierImpersonate, types.ClassSuccess)

	if tr.Len() != maxDomains-evictionBatch+1 {
		t.Errorf("len = %d, want %d", tr.Len(), maxDomains-evictionBatch+1)
	}
	if _, ok := tr.Get("d00000.com"); ok {
		t.Error("oldest domain survived eviction")
	}
	if _, ok := tr.Get("newest.com"); !ok {
		t.Error("newest domain missing")
	}
}
