package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/swarm"
	"github.com/titanfetch/titan/internal/types"
)

// maxBatches bounds tracked batches the same way maxJobs bounds jobs.
const maxBatches = 1000

// Batch is a snapshot of one tracked batch run. Outcomes are populated
// once the batch reaches a terminal state, index-aligned with URLs.
type Batch struct {
	ID         string           `json:"id"`
	URLs       []string         `json:"urls"`
	Status     Status           `json:"status"`
	Total      int              `json:"total"`
	Completed  int              `json:"completed"`
	Outcomes   []*types.Outcome `json:"-"`
	Stats      *swarm.Stats     `json:"stats,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	StartedAt  time.Time        `json:"startedAt,omitempty"`
	FinishedAt time.Time        `json:"finishedAt,omitempty"`
}

type batchEntry struct {
	Batch
	cancel context.CancelFunc
}

// runnerExecutor adapts the registry's Runner to the swarm executor
// contract by unwrapping the orchestration result to its raw outcome.
type runnerExecutor struct {
	runner Runner
}

func (e runnerExecutor) Execute(ctx context.Context, req *types.Request) (*types.Outcome, error) {
	res, err := e.runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Outcome == nil {
		return nil, errors.New("runner returned no outcome")
	}
	return res.Outcome, nil
}

// SubmitBatch registers a batch and starts it in the background. The
// swarm bounds in-flight requests to maxConcurrency, clamped to the
// registry's own concurrency limit.
func (r *Registry) SubmitBatch(reqs []*types.Request, maxConcurrency int) (Batch, error) {
	if len(reqs) == 0 {
		return Batch{}, errors.New("batch requires at least one request")
	}

	limit := maxConcurrency
	if limit <= 0 || limit > cap(r.sem) {
		limit = cap(r.sem)
	}

	urls := make([]string, len(reqs))
	for i, req := range reqs {
		urls[i] = req.URL
	}

	b := &batchEntry{
		Batch: Batch{
			ID:        uuid.NewString(),
			URLs:      urls,
			Status:    StatusPending,
			Total:     len(reqs),
			CreatedAt: time.Now(),
		},
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	b.cancel = cancel

	r.mu.Lock()
	if len(r.batches) >= maxBatches && !r.evictTerminalBatch() {
		r.mu.Unlock()
		cancel()
		return Batch{}, types.NewInfraError("job-registry", errAtCapacity)
	}
	r.batches[b.ID] = b
	snapshot := b.Batch
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.runBatch(ctx, b.ID, reqs, limit)
	}()

	return snapshot, nil
}

// runBatch drives one swarm run and records its terminal state.
func (r *Registry) runBatch(ctx context.Context, id string, reqs []*types.Request, limit int) {
	r.updateBatch(id, func(b *batchEntry) {
		b.Status = StatusRunning
		b.StartedAt = time.Now()
	})

	outcomes, stats := swarm.Run(ctx, runnerExecutor{r.runner}, reqs, swarm.Options{
		MaxConcurrency: limit,
		Progress: func(completed, total int) {
			r.updateBatch(id, func(b *batchEntry) { b.Completed = completed })
		},
	})

	r.updateBatch(id, func(b *batchEntry) {
		b.FinishedAt = time.Now()
		b.Outcomes = outcomes
		b.Stats = &stats
		switch {
		case stats.Cancelled > 0 && ctx.Err() != nil:
			b.Status = StatusCancelled
		case stats.Succeeded == 0:
			b.Status = StatusFailed
		default:
			b.Status = StatusSucceeded
		}
	})

	log.Debug().Str("batch_id", id).Int("total", stats.Total).Msg("Batch finished")
}

// GetBatch returns a snapshot of the batch.
func (r *Registry) GetBatch(id string) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, types.ErrJobNotFound
	}
	return b.Batch, nil
}

// CancelBatch requests cancellation of a live batch. In-flight requests
// abort at their next suspension point; pending ones are skipped.
func (r *Registry) CancelBatch(id string) error {
	r.mu.Lock()
	b, ok := r.batches[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrJobNotFound
	}
	if b.Status.Terminal() {
		r.mu.Unlock()
		return types.ErrJobTerminal
	}
	cancel := b.cancel
	r.mu.Unlock()

	cancel()
	return nil
}

// updateBatch applies fn to the batch under the lock.
func (r *Registry) updateBatch(id string, fn func(*batchEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.batches[id]; ok {
		fn(b)
	}
}

// evictTerminalBatch drops the oldest terminal batch. Callers hold
// r.mu. Returns false when every batch is still live.
func (r *Registry) evictTerminalBatch() bool {
	var oldestID string
	var oldestAt time.Time
	for id, b := range r.batches {
		if !b.Status.Terminal() {
			continue
		}
		if oldestID == "" || b.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = b.CreatedAt
		}
	}
	if oldestID == "" {
		return false
	}
	delete(r.batches, oldestID)
	return true
}
