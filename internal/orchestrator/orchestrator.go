// Package orchestrator runs the per-URL escalation state machine. It
// selects a tier, executes the matching driver with a proxy, consults
// the classifier on the raw outcome, and then returns, retries,
// escalates, or parks the work on the manual solve queue.
package orchestrator

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/captchaq"
	"github.com/titanfetch/titan/internal/classify"
	"github.com/titanfetch/titan/internal/clearance"
	"github.com/titanfetch/titan/internal/driver"
	"github.com/titanfetch/titan/internal/metrics"
	"github.com/titanfetch/titan/internal/proxy"
	"github.com/titanfetch/titan/internal/security"
	"github.com/titanfetch/titan/internal/types"
)

// Config holds orchestration tunables.
type Config struct {
	// StartTier is where the ladder begins when the request does not
	// force a tier.
	StartTier types.Tier
	// AttemptTimeout bounds a single driver execution.
	AttemptTimeout time.Duration
	// OverallDeadline bounds one whole orchestration, manual solve
	// waits included.
	OverallDeadline time.Duration
	// BackoffBase and BackoffCap shape the transient retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// TaskPriority is assigned to manual solve tasks this orchestrator
	// enqueues.
	TaskPriority int
	// RetriesByTier overrides the transient retry budget per tier.
	// Tiers absent from the map use the classifier default.
	RetriesByTier map[types.Tier]int
	// SessionTTL is the lifetime of clearances written through to the
	// session store. Zero means clearance.DefaultTTL.
	SessionTTL time.Duration
}

// DefaultConfig returns the standard orchestration tuning.
func DefaultConfig() Config {
	return Config{
		StartTier:       types.TierImpersonate,
		AttemptTimeout:  60 * time.Second,
		OverallDeadline: 10 * time.Minute,
		BackoffBase:     500 * time.Millisecond,
		BackoffCap:      8 * time.Second,
		TaskPriority:    0,
	}
}

// Result is the terminal state of one orchestration.
type Result struct {
	Outcome        *types.Outcome       `json:"outcome"`
	Classification types.Classification `json:"classification"`
	EscalationPath []types.Tier         `json:"escalationPath"`
	Attempts       int                  `json:"attempts"`
	SessionHit     bool                 `json:"sessionHit"`
}

// Orchestrator drives requests through the tier ladder.
type Orchestrator struct {
	cfg      Config
	drivers  *driver.Registry
	rotator  *proxy.Rotator
	sessions clearance.Store
	queue    *captchaq.Queue
	rec      *metrics.Recorder
	policy   classify.Policy
}

// New builds an orchestrator. queue may be nil; manual solve verdicts
// then fail immediately instead of parking.
func New(cfg Config, drivers *driver.Registry, rotator *proxy.Rotator, sessions clearance.Store, queue *captchaq.Queue, rec *metrics.Recorder) *Orchestrator {
	def := DefaultConfig()
	if cfg.StartTier == 0 {
		cfg.StartTier = def.StartTier
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.OverallDeadline <= 0 {
		cfg.OverallDeadline = def.OverallDeadline
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = def.BackoffCap
	}
	return &Orchestrator{
		cfg:      cfg,
		drivers:  drivers,
		rotator:  rotator,
		sessions: sessions,
		queue:    queue,
		rec:      rec,
		policy:   classify.DefaultPolicy(),
	}
}

// policyFor returns the classifier policy for one tier, applying the
// configured retry override when one exists.
func (o *Orchestrator) policyFor(tier types.Tier) classify.Policy {
	p := o.policy
	if n, ok := o.cfg.RetriesByTier[tier]; ok && n >= 0 {
		p.MaxTransientRetries = n
	}
	return p
}

// Execute satisfies the swarm executor contract: it runs the full
// ladder and surfaces the terminal outcome.
func (o *Orchestrator) Execute(ctx context.Context, req *types.Request) (*types.Outcome, error) {
	res, err := o.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	return res.Outcome, nil
}

// Run executes one orchestration to a terminal classification.
func (o *Orchestrator) Run(ctx context.Context, req *types.Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := security.ValidateTargetURL(req.URL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.OverallDeadline)
	defer cancel()

	domain := req.Domain()
	requestID := uuid.NewString()

	base := *req
	sessionHit := o.injectSession(ctx, &base, domain)

	// A forced tier is used as-is; a missing driver is then the
	// caller's problem and fails the job.
	tier := o.skipUnregistered(o.cfg.StartTier)
	if req.ForcedTier != 0 {
		tier = req.ForcedTier
	}

	res := &Result{
		EscalationPath: []types.Tier{tier},
		SessionHit:     sessionHit,
	}
	attempts := 0 // transient retries burned at the current tier
	challengeCrossed := false

	log.Debug().
		Str("url", security.RedactURL(req.URL)).
		Str("request_id", requestID).
		Str("tier", tier.String()).
		Bool("session_hit", sessionHit).
		Msg("Orchestration starting")

	for {
		if ctx.Err() != nil {
			return o.finish(res, o.deadlineOutcome(ctx, tier), types.ClassFatal, domain), nil
		}

		proxyURL, err := o.rotator.Next(domain)
		if err != nil {
			outcome := &types.Outcome{
				OK:        false,
				Tier:      tier,
				ErrorKind: types.ErrKindConnect,
				Message:   err.Error(),
			}
			return o.finish(res, outcome, types.ClassFatal, domain), nil
		}

		outcome := o.attempt(ctx, tier, &base, proxyURL)
		res.Attempts++

		verdict := classify.Classify(outcome, tier, attempts, o.policyFor(tier))
		o.rec.RecordAttempt(tier, verdict.Class, outcome.Elapsed, outcome.ErrorKind)
		o.markProxy(proxyURL, verdict)
		o.rec.SetProxiesHealthy(o.rotator.HealthyCount())

		log.Debug().
			Str("tier", tier.String()).
			Str("class", string(verdict.Class)).
			Str("reason", verdict.Reason).
			Int("status", outcome.Status).
			Msg("Attempt classified")

		switch verdict.Class {
		case types.ClassSuccess:
			if challengeCrossed {
				o.writeThrough(ctx, domain, outcome)
			}
			return o.finish(res, outcome, types.ClassSuccess, domain), nil

		case types.ClassTransient:
			attempts++
			if !o.backoff(ctx, attempts, verdict.RetryAfter) {
				return o.finish(res, o.deadlineOutcome(ctx, tier), types.ClassFatal, domain), nil
			}

		case types.ClassEscalate:
			challengeCrossed = true
			next := o.skipUnregistered(verdict.NextTier)
			o.rec.RecordEscalation(tier, next)
			res.EscalationPath = appendTier(res.EscalationPath, next)
			log.Info().
				Str("from", tier.String()).
				Str("to", next.String()).
				Str("reason", verdict.Reason).
				Msg("Escalating tier")
			tier = next
			attempts = 0

		case types.ClassManualSolve:
			challengeCrossed = true
			solved, failOutcome := o.park(ctx, &base, domain, outcome, proxyURL, requestID)
			if !solved {
				return o.finish(res, failOutcome, types.ClassFatal, domain), nil
			}
			// The queue wrote the clearance session; restart cheap.
			o.injectSession(ctx, &base, domain)
			tier = o.skipUnregistered(o.cfg.StartTier)
			attempts = 0

		default: // ClassFatal
			return o.finish(res, outcome, types.ClassFatal, domain), nil
		}
	}
}

// skipUnregistered advances past tiers with no registered driver, so a
// disabled tier is stepped over instead of failing the ladder. The top
// tier is returned as-is even when unregistered.
func (o *Orchestrator) skipUnregistered(tier types.Tier) types.Tier {
	for tier < types.MaxTier && o.drivers.For(tier) == nil {
		tier = tier.Next()
	}
	return tier
}

// attempt executes one driver call with the remaining-deadline-aware
// per-attempt timeout.
func (o *Orchestrator) attempt(ctx context.Context, tier types.Tier, base *types.Request, proxyURL string) *types.Outcome {
	drv := o.drivers.For(tier)
	if drv == nil {
		return &types.Outcome{
			OK:        false,
			Tier:      tier,
			ErrorKind: types.ErrKindDriverCrash,
			Message:   "no driver registered for " + tier.String(),
		}
	}

	attemptReq := *base
	attemptReq.ProxyURL = proxyURL
	timeout := o.cfg.AttemptTimeout
	if base.Timeout > 0 && base.Timeout < timeout {
		timeout = base.Timeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	attemptReq.Timeout = timeout

	outcome, err := drv.Execute(ctx, &attemptReq)
	if err != nil || outcome == nil {
		msg := "driver returned no outcome"
		if err != nil {
			msg = err.Error()
		}
		return &types.Outcome{
			OK:        false,
			Tier:      tier,
			ProxyURL:  proxyURL,
			ErrorKind: types.ErrKindDriverCrash,
			Message:   msg,
		}
	}
	return outcome
}

// injectSession applies a cached clearance session to the request.
// Returns whether a valid session was found.
func (o *Orchestrator) injectSession(ctx context.Context, req *types.Request, domain string) bool {
	if o.sessions == nil || domain == "" {
		return false
	}
	session, err := o.sessions.Get(ctx, domain)
	if err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("Session lookup failed")
		o.rec.RecordSessionLookup(false)
		return false
	}
	hit := session != nil
	o.rec.RecordSessionLookup(hit)
	if hit {
		clearance.Apply(session, req)
	}
	return hit
}

// writeThrough persists a freshly earned clearance after a success
// that crossed a challenge.
func (o *Orchestrator) writeThrough(ctx context.Context, domain string, outcome *types.Outcome) {
	if o.sessions == nil || domain == "" {
		return
	}
	var clearanceValue string
	cookies := make(map[string]string, len(outcome.Cookies))
	for _, c := range outcome.Cookies {
		cookies[c.Name] = c.Value
		if c.Name == "cf_clearance" {
			clearanceValue = c.Value
		}
	}
	if clearanceValue == "" || outcome.UserAgent == "" {
		return
	}
	session := clearance.NewSession(domain, clearanceValue, outcome.UserAgent, cookies, o.cfg.SessionTTL)
	if err := o.sessions.Put(ctx, session); err != nil {
		log.Warn().Err(err).Str("domain", domain).Msg("Session write-through failed")
		return
	}
	log.Info().Str("domain", domain).Msg("Clearance session cached")
}

// park enqueues a manual solve task and blocks until it reaches a
// terminal state or the orchestration deadline expires. A live task
// for the same domain is joined instead of duplicated.
func (o *Orchestrator) park(ctx context.Context, req *types.Request, domain string, outcome *types.Outcome, proxyURL, requestID string) (bool, *types.Outcome) {
	failWith := func(kind types.ErrorKind, msg string) *types.Outcome {
		return &types.Outcome{
			OK:        false,
			Tier:      outcome.Tier,
			Status:    outcome.Status,
			Challenge: outcome.Challenge,
			ErrorKind: kind,
			Message:   msg,
		}
	}

	if o.queue == nil {
		return false, failWith(types.ErrKindSolveFailed, "manual solve required but no queue configured")
	}

	challenge := outcome.Challenge
	if challenge == types.ChallengeNone || challenge == "" {
		challenge = types.ChallengeInterstitial
	}

	task, err := o.queue.Enqueue(ctx, req.URL, domain, challenge, proxyURL, requestID, o.cfg.TaskPriority)
	if err != nil {
		return false, failWith(types.ErrKindSolveFailed, "enqueue failed: "+err.Error())
	}
	o.rec.RecordTask("enqueued")
	log.Info().
		Str("task", task.UUID).
		Str("domain", domain).
		Str("challenge", string(challenge)).
		Msg("Parked on manual solve queue")

	final, err := o.queue.Await(ctx, task.UUID)
	if err != nil {
		if ctx.Err() != nil {
			return false, failWith(types.ErrKindDeadline, "deadline expired while awaiting manual solve")
		}
		return false, failWith(types.ErrKindSolveFailed, "await failed: "+err.Error())
	}

	switch final.Status {
	case types.TaskSolved:
		o.rec.RecordTask("solved")
		return true, nil
	case types.TaskExpired:
		o.rec.RecordTask("expired")
		return false, failWith(types.ErrKindSolveExpired, "manual solve task expired")
	default:
		o.rec.RecordTask("failed")
		return false, failWith(types.ErrKindSolveFailed, "manual solve "+string(final.Status))
	}
}

// markProxy applies the classifier's proxy verdict.
func (o *Orchestrator) markProxy(proxyURL string, verdict classify.Verdict) {
	if proxyURL == "" {
		return
	}
	switch verdict.Proxy {
	case classify.MarkCooling:
		o.rotator.MarkCooling(proxyURL)
	case classify.MarkBanned:
		o.rotator.MarkBanned(proxyURL)
	default:
		if verdict.Class == types.ClassSuccess {
			o.rotator.MarkSuccess(proxyURL)
		}
	}
}

// backoff sleeps the exponential retry delay with jitter, honoring an
// origin-requested minimum. Returns false when the context expired.
func (o *Orchestrator) backoff(ctx context.Context, attempt int, retryAfter time.Duration) bool {
	delay := o.cfg.BackoffBase << (attempt - 1)
	if delay > o.cfg.BackoffCap {
		delay = o.cfg.BackoffCap
	}
	// Jitter to plus or minus 25% so retries from parallel
	// orchestrations spread out.
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	delay += jitter
	if retryAfter > delay {
		delay = retryAfter
	}

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) deadlineOutcome(ctx context.Context, tier types.Tier) *types.Outcome {
	kind := types.ErrKindDeadline
	if ctx.Err() == context.Canceled {
		kind = types.ErrKindCancelled
	}
	return &types.Outcome{
		OK:        false,
		Tier:      tier,
		ErrorKind: kind,
		Message:   "orchestration deadline exceeded",
	}
}

// finish stamps the result and tallies the terminal state against the
// domain.
func (o *Orchestrator) finish(res *Result, outcome *types.Outcome, class types.Classification, domain string) *Result {
	res.Outcome = outcome
	res.Classification = class
	o.rec.RecordDomain(domain, outcome.Tier, class)
	return res
}

// appendTier keeps the escalation path strictly increasing; resumes at
// a lower tier after a manual solve are not escalations.
func appendTier(path []types.Tier, t types.Tier) []types.Tier {
	if len(path) > 0 && t <= path[len(path)-1] {
		return path
	}
	return append(path, t)
}
