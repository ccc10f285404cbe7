package captchaq

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/titanfetch/titan/internal/clearance"
	"github.com/titanfetch/titan/internal/types"
)

func testQueue(t *testing.T, store clearance.Store) *Queue {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	q, err := Open(filepath.Join(t.TempDir(), "tasks.db"), cfg, store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueAndClaim(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	task, err := q.Enqueue(ctx, "https://example.com/a", "example.com", types.ChallengeTurnstile, "http://p1:8080", "req-1", 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task.Status != types.TaskPending || task.UUID == "" {
		t.Fatalf("task = %+v", task)
	}

	claimed, err := q.Claim(ctx, "op-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed == nil || claimed.UUID != task.UUID {
		t.Fatalf("claimed = %+v, want %s", claimed, task.UUID)
	}
	if claimed.Status != types.TaskAssigned || claimed.AssignedTo != "op-1" {
		t.Errorf("claimed = %+v", claimed)
	}

	// Nothing else pending.
	if again, _ := q.Claim(ctx, "op-2"); again != nil {
		t.Errorf("second claim = %+v, want nil", again)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	low, _ := q.Enqueue(ctx, "https://a.com/", "a.com", types.ChallengeTurnstile, "", "", 0)
	high, _ := q.Enqueue(ctx, "https://b.com/", "b.com", types.ChallengeTurnstile, "", "", 5)

	first, err := q.Claim(ctx, "op")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if first.UUID != high.UUID {
		t.Errorf("first claim = %s, want high-priority %s", first.UUID, high.UUID)
	}
	second, _ := q.Claim(ctx, "op")
	if second.UUID != low.UUID {
		t.Errorf("second claim = %s, want %s", second.UUID, low.UUID)
	}
}

func TestClaimConcurrent(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, fmt.Sprintf("https://d%d.com/", i), fmt.Sprintf("d%d.com", i), types.ChallengeTurnstile, "", "", 0)
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(op int) {
			defer wg.Done()
			task, err := q.Claim(ctx, fmt.Sprintf("op-%d", op))
			if err != nil || task == nil {
				return
			}
			mu.Lock()
			if prev, dup := seen[task.UUID]; dup {
				t.Errorf("task %s claimed by %s and op-%d", task.UUID, prev, op)
			}
			seen[task.UUID] = fmt.Sprintf("op-%d", op)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(seen) != 5 {
		t.Errorf("claimed %d distinct tasks, want 5", len(seen))
	}
}

func TestDomainDedup(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "https://example.com/a", "example.com", types.ChallengeTurnstile, "", "req-1", 0)
	second, err := q.Enqueue(ctx, "https://example.com/b", "example.com", types.ChallengeTurnstile, "", "req-2", 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if second.UUID != first.UUID {
		t.Errorf("second enqueue created a new task; want join on %s", first.UUID)
	}

	// A terminal task no longer blocks new enqueues.
	q.MarkUnsolvable(ctx, first.UUID, "test")
	third, _ := q.Enqueue(ctx, "https://example.com/c", "example.com", types.ChallengeTurnstile, "", "req-3", 0)
	if third.UUID == first.UUID {
		t.Error("terminal task was reused for new enqueue")
	}
}

func TestSubmitWritesClearance(t *testing.T) {
	store := clearance.NewMemoryStore(0)
	defer store.Close()
	q := testQueue(t, store)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)
	claimed, _ := q.Claim(ctx, "op-1")

	result := types.SolverResult{
		Clearance: "clr-xyz",
		UserAgent: "Mozilla/5.0 solver",
		Cookies:   map[string]string{"__cf_bm": "bm"},
	}
	if err := q.Submit(ctx, claimed.UUID, "op-1", result); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := q.Get(ctx, task.UUID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != types.TaskSolved {
		t.Errorf("status = %s, want solved", got.Status)
	}
	if got.Result == nil || got.Result.Clearance != "clr-xyz" {
		t.Errorf("result = %+v", got.Result)
	}

	s, err := store.Get(ctx, "example.com")
	if err != nil || s == nil {
		t.Fatalf("clearance not written through: %v, %v", s, err)
	}
	if s.Clearance != "clr-xyz" || s.UserAgent != "Mozilla/5.0 solver" {
		t.Errorf("session = %+v", s)
	}
}

func TestSubmitGuards(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()
	result := types.SolverResult{Clearance: "c", UserAgent: "ua"}

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)

	// Pending tasks cannot be submitted.
	if err := q.Submit(ctx, task.UUID, "op-1", result); !errors.Is(err, types.ErrTaskNotPending) {
		t.Errorf("Submit pending = %v, want ErrTaskNotPending", err)
	}

	q.Claim(ctx, "op-1")

	// Only the assignee may submit.
	if err := q.Submit(ctx, task.UUID, "op-2", result); !errors.Is(err, types.ErrNotAssignee) {
		t.Errorf("Submit wrong operator = %v, want ErrNotAssignee", err)
	}

	// Empty solutions are rejected.
	if err := q.Submit(ctx, task.UUID, "op-1", types.SolverResult{}); !errors.Is(err, types.ErrEmptySolution) {
		t.Errorf("Submit empty = %v, want ErrEmptySolution", err)
	}

	if err := q.Submit(ctx, task.UUID, "op-1", result); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// No double submit.
	if err := q.Submit(ctx, task.UUID, "op-1", result); !errors.Is(err, types.ErrTaskTerminal) {
		t.Errorf("double Submit = %v, want ErrTaskTerminal", err)
	}

	if err := q.Submit(ctx, "no-such-task", "op-1", result); !errors.Is(err, types.ErrTaskNotFound) {
		t.Errorf("Submit missing = %v, want ErrTaskNotFound", err)
	}
}

func TestAwaitUnblocksOnSolve(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)

	done := make(chan *types.Task, 1)
	go func() {
		got, err := q.Await(ctx, task.UUID)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		done <- got
	}()

	time.Sleep(20 * time.Millisecond)
	q.Claim(ctx, "op-1")
	if err := q.Submit(ctx, task.UUID, "op-1", types.SolverResult{Clearance: "c", UserAgent: "ua"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case got := <-done:
		if got.Status != types.TaskSolved {
			t.Errorf("awaited status = %s, want solved", got.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not unblock after solve")
	}
}

func TestAwaitAlreadyTerminal(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)
	q.MarkUnsolvable(ctx, task.UUID, "nope")

	got, err := q.Await(ctx, task.UUID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.Status != types.TaskUnsolvable {
		t.Errorf("status = %s, want unsolvable", got.Status)
	}
}

func TestAwaitContextCancel(t *testing.T) {
	q := testQueue(t, nil)
	task, _ := q.Enqueue(context.Background(), "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := q.Await(ctx, task.UUID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Await = %v, want deadline exceeded", err)
	}
}

func TestSweepExpires(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)

	q.nowFn = func() time.Time { return time.Now().Add(time.Hour) }
	if err := q.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := q.Get(ctx, task.UUID)
	if got.Status != types.TaskExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestSweepReleasesStaleAssignment(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)
	q.Claim(ctx, "op-1")

	// Past the assignment timeout but before the task TTL.
	q.nowFn = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if err := q.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := q.Get(ctx, task.UUID)
	if got.Status != types.TaskPending {
		t.Fatalf("status = %s, want pending after release", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.AssignedTo != "" {
		t.Errorf("assigned_to = %q, want cleared", got.AssignedTo)
	}
}

func TestSweepFailsAfterMaxAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	cfg.MaxAttempts = 1
	q, err := Open(filepath.Join(t.TempDir(), "tasks.db"), cfg, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer q.Close()
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)
	q.Claim(ctx, "op-1")

	q.nowFn = func() time.Time { return time.Now().Add(10 * time.Minute) }
	if err := q.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := q.Get(ctx, task.UUID)
	if got.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed after attempts exhausted", got.Status)
	}
}

func TestAssignSpecificTask(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, "https://a.example.com/", "a.example.com", types.ChallengeTurnstile, "", "", 5)
	second, _ := q.Enqueue(ctx, "https://b.example.com/", "b.example.com", types.ChallengeTurnstile, "", "", 0)

	// Explicit assignment bypasses priority order.
	task, err := q.Assign(ctx, second.UUID, "op-1")
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if task.Status != types.TaskAssigned || task.AssignedTo != "op-1" {
		t.Errorf("task = %+v", task)
	}

	if _, err := q.Assign(ctx, second.UUID, "op-2"); !errors.Is(err, types.ErrTaskNotPending) {
		t.Errorf("double assign = %v, want ErrTaskNotPending", err)
	}
	if _, err := q.Assign(ctx, "missing", "op-1"); !errors.Is(err, types.ErrTaskNotFound) {
		t.Errorf("unknown task = %v, want ErrTaskNotFound", err)
	}

	if err := q.MarkUnsolvable(ctx, first.UUID, "manual triage"); err != nil {
		t.Fatalf("MarkUnsolvable: %v", err)
	}
	if _, err := q.Assign(ctx, first.UUID, "op-1"); !errors.Is(err, types.ErrTaskTerminal) {
		t.Errorf("terminal assign = %v, want ErrTaskTerminal", err)
	}
}

func TestStartTransition(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	task, _ := q.Enqueue(ctx, "https://example.com/", "example.com", types.ChallengeTurnstile, "", "", 0)

	if err := q.Start(ctx, task.UUID, "op-1"); !errors.Is(err, types.ErrTaskNotPending) {
		t.Errorf("Start before claim = %v, want ErrTaskNotPending", err)
	}

	q.Claim(ctx, "op-1")
	if err := q.Start(ctx, task.UUID, "op-2"); !errors.Is(err, types.ErrNotAssignee) {
		t.Errorf("Start wrong operator = %v, want ErrNotAssignee", err)
	}
	if err := q.Start(ctx, task.UUID, "op-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got, _ := q.Get(ctx, task.UUID)
	if got.Status != types.TaskInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
}

func TestDomainDedupConcurrent(t *testing.T) {
	q := testQueue(t, nil)
	ctx := context.Background()

	const n = 8
	uuids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			task, err := q.Enqueue(ctx, "https://example.com/p", "example.com", types.ChallengeTurnstile, "", fmt.Sprintf("req-%d", i), 0)
			if err != nil {
				errs[i] = err
				return
			}
			uuids[i] = task.UUID
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	for i := 1; i < n; i++ {
		if uuids[i] != uuids[0] {
			t.Fatalf("enqueue %d created task %s, want join on %s", i, uuids[i], uuids[0])
		}
	}

	tasks, err := q.List(ctx, types.TaskPending, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("pending tasks = %d, want 1", len(tasks))
	}
}
