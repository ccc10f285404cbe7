// Package swarm runs batches of acquisition requests under a bounded
// concurrency limit. Results come back index-aligned with the input
// regardless of completion order, and one misbehaving request never
// takes its siblings down with it.
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/titanfetch/titan/internal/types"
)

// DefaultConcurrency bounds a swarm when the caller does not.
const DefaultConcurrency = 8

// Executor runs one request to completion. Both a single tier driver
// and the full orchestrator satisfy it.
type Executor interface {
	Execute(ctx context.Context, req *types.Request) (*types.Outcome, error)
}

// ProgressFunc is invoked after each request completes. Calls are
// serialized; the callback must not block.
type ProgressFunc func(completed, total int)

// Options configures one swarm run.
type Options struct {
	// MaxConcurrency caps simultaneous in-flight requests.
	MaxConcurrency int
	// RequestTimeout overrides the per-request timeout for requests
	// that carry none.
	RequestTimeout time.Duration
	// Progress, when set, is called synchronously after each outcome.
	Progress ProgressFunc
}

// Stats aggregates the run.
type Stats struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Elapsed   time.Duration `json:"elapsedMs"`
}

// Run executes all requests through exec and returns outcomes aligned
// with the input indices. Cancelling ctx aborts in-flight requests and
// marks the rest cancelled; Run itself always returns a full slice.
func Run(ctx context.Context, exec Executor, reqs []*types.Request, opts Options) ([]*types.Outcome, Stats) {
	start := time.Now()
	total := len(reqs)
	if total == 0 {
		return []*types.Outcome{}, Stats{Elapsed: time.Since(start)}
	}

	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	log.Debug().
		Int("requests", total).
		Int("max_concurrency", limit).
		Msg("Swarm run starting")

	outcomes := make([]*types.Outcome, total)

	var mu sync.Mutex
	completed := 0
	report := func() {
		mu.Lock()
		defer mu.Unlock()
		completed++
		if opts.Progress != nil {
			opts.Progress(completed, total)
		}
	}

	eg := new(errgroup.Group)
	eg.SetLimit(limit)
	for i, req := range reqs {
		eg.Go(func() error {
			outcomes[i] = runOne(ctx, exec, req, opts.RequestTimeout)
			report()
			return nil
		})
	}
	_ = eg.Wait()

	stats := Stats{Total: total, Elapsed: time.Since(start)}
	for _, o := range outcomes {
		switch {
		case o.OK:
			stats.Succeeded++
		case o.ErrorKind == types.ErrKindCancelled:
			stats.Cancelled++
		default:
			stats.Failed++
		}
	}

	log.Info().
		Int("total", stats.Total).
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("cancelled", stats.Cancelled).
		Dur("elapsed", stats.Elapsed).
		Msg("Swarm run complete")
	return outcomes, stats
}

// runOne executes a single request, converting panics and executor
// errors into failed outcomes so the slice stays fully populated.
func runOne(ctx context.Context, exec Executor, req *types.Request, timeout time.Duration) (outcome *types.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("url", req.URL).Msg("Recovered panic in swarm worker")
			outcome = &types.Outcome{
				OK:        false,
				ErrorKind: types.ErrKindDriverCrash,
				Message:   fmt.Sprintf("worker panic: %v", r),
			}
		}
	}()

	select {
	case <-ctx.Done():
		return cancelledOutcome(ctx)
	default:
	}

	if req.Timeout <= 0 && timeout > 0 {
		clone := *req
		clone.Timeout = timeout
		req = &clone
	}

	o, err := exec.Execute(ctx, req)
	if err != nil {
		return &types.Outcome{
			OK:        false,
			ErrorKind: types.ErrKindDriverCrash,
			Message:   err.Error(),
		}
	}
	if o == nil {
		return &types.Outcome{
			OK:        false,
			ErrorKind: types.ErrKindDriverCrash,
			Message:   "executor returned no outcome",
		}
	}
	return o
}

func cancelledOutcome(ctx context.Context) *types.Outcome {
	kind := types.ErrKindCancelled
	if ctx.Err() == context.DeadlineExceeded {
		kind = types.ErrKindDeadline
	}
	return &types.Outcome{
		OK:        false,
		ErrorKind: kind,
		Message:   ctx.Err().Error(),
	}
}
