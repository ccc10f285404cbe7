// Package jobs tracks asynchronous scrape jobs and batch runs from
// submission to terminal state. The registry owns lifecycle and
// cancellation; the actual work is delegated to a Runner, with batches
// fanned out through the swarm engine.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/orchestrator"
	"github.com/titanfetch/titan/internal/types"
)

// maxJobs bounds the registry. When full, the oldest terminal job is
// evicted to make room; submission fails only when every slot is still
// live.
const maxJobs = 10000

// Status is the lifecycle state of a job.
type Status string

// Job statuses. pending -> running -> one of the terminal three.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status ends the job lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a snapshot of one tracked scrape job.
type Job struct {
	ID         string               `json:"id"`
	URL        string               `json:"url"`
	Status     Status               `json:"status"`
	Result     *orchestrator.Result `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
	CreatedAt  time.Time            `json:"createdAt"`
	StartedAt  time.Time            `json:"startedAt,omitempty"`
	FinishedAt time.Time            `json:"finishedAt,omitempty"`
}

// Runner executes one request to completion.
type Runner interface {
	Run(ctx context.Context, req *types.Request) (*orchestrator.Result, error)
}

type job struct {
	Job
	cancel context.CancelFunc
}

// Registry tracks jobs and bounds how many run at once.
type Registry struct {
	runner Runner

	mu      sync.Mutex
	jobs    map[string]*job
	batches map[string]*batchEntry

	sem     chan struct{}
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// errAtCapacity is returned when the registry is full of live jobs.
var errAtCapacity = errors.New("job registry at capacity")

// NewRegistry builds a registry running at most maxConcurrent jobs at a
// time.
func NewRegistry(runner Runner, maxConcurrent int) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		runner:  runner,
		jobs:    make(map[string]*job),
		batches: make(map[string]*batchEntry),
		sem:     make(chan struct{}, maxConcurrent),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// Submit registers a job and starts it in the background. The returned
// snapshot carries the assigned ID.
func (r *Registry) Submit(req *types.Request) (Job, error) {
	j := &job{
		Job: Job{
			ID:        uuid.NewString(),
			URL:       req.URL,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
	}

	ctx, cancel := context.WithCancel(r.baseCtx)
	j.cancel = cancel

	r.mu.Lock()
	if len(r.jobs) >= maxJobs && !r.evictTerminal() {
		r.mu.Unlock()
		cancel()
		return Job{}, types.NewInfraError("job-registry", errAtCapacity)
	}
	r.jobs[j.ID] = j
	snapshot := j.Job
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		r.run(ctx, j.ID, req)
	}()

	return snapshot, nil
}

// run waits for a concurrency slot, executes the request, and records
// the terminal state.
func (r *Registry) run(ctx context.Context, id string, req *types.Request) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		r.update(id, func(j *job) {
			j.Status = StatusCancelled
			j.FinishedAt = time.Now()
		})
		return
	}

	r.update(id, func(j *job) {
		j.Status = StatusRunning
		j.StartedAt = time.Now()
	})

	res, err := r.runner.Run(ctx, req)

	r.update(id, func(j *job) {
		j.FinishedAt = time.Now()
		switch {
		case err != nil:
			if ctx.Err() == context.Canceled {
				j.Status = StatusCancelled
			} else {
				j.Status = StatusFailed
			}
			j.Error = err.Error()
		case res != nil && res.Outcome != nil && res.Outcome.OK:
			j.Status = StatusSucceeded
			j.Result = res
		default:
			if ctx.Err() == context.Canceled {
				j.Status = StatusCancelled
			} else {
				j.Status = StatusFailed
			}
			j.Result = res
			if res != nil && res.Outcome != nil {
				j.Error = res.Outcome.Message
			}
		}
	})

	log.Debug().Str("job_id", id).Msg("Job finished")
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, types.ErrJobNotFound
	}
	return j.Job, nil
}

// Cancel requests cancellation of a live job. Terminal jobs are left
// untouched and reported as such.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return types.ErrJobNotFound
	}
	if j.Status.Terminal() {
		r.mu.Unlock()
		return types.ErrJobTerminal
	}
	cancel := j.cancel
	r.mu.Unlock()

	cancel()
	return nil
}

// Close cancels all live jobs and waits for their goroutines.
func (r *Registry) Close() {
	r.stop()
	r.wg.Wait()
}

// update applies fn to the job under the lock.
func (r *Registry) update(id string, fn func(*job)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		fn(j)
	}
}

// evictTerminal drops the oldest terminal job. Callers hold r.mu.
// Returns false when every job is still live.
func (r *Registry) evictTerminal() bool {
	var oldestID string
	var oldestAt time.Time
	for id, j := range r.jobs {
		if !j.Status.Terminal() {
			continue
		}
		if oldestID == "" || j.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = j.CreatedAt
		}
	}
	if oldestID == "" {
		return false
	}
	delete(r.jobs, oldestID)
	return true
}
