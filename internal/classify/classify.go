// Package classify maps raw acquisition outcomes to a verdict: succeed,
// retry, escalate to the next tier, park for a human solver, or give up.
// Classification is pure and deterministic; it performs no I/O.
package classify

import (
	"time"

	"github.com/titanfetch/titan/internal/markers"
	"github.com/titanfetch/titan/internal/ratelimit"
	"github.com/titanfetch/titan/internal/types"
)

// Policy holds the tunables of the classifier. The zero value is not
// usable; construct with DefaultPolicy and override as needed.
type Policy struct {
	// MaxTransientRetries is how many transient retries are allowed at
	// one tier before the verdict hardens (escalate or fatal).
	MaxTransientRetries int

	// MinBodyBytes is the floor below which a 2xx body is considered
	// invalid content (an empty shell or a stub challenge page).
	MinBodyBytes int

	// BanOnChallenge marks the proxy banned instead of cooling when a
	// Cloudflare challenge is served through it.
	BanOnChallenge bool
}

// DefaultPolicy returns the standard classifier tuning.
func DefaultPolicy() Policy {
	return Policy{
		MaxTransientRetries: 2,
		MinBodyBytes:        512,
		BanOnChallenge:      false,
	}
}

// ProxyMark is the health action the orchestrator should apply to the
// proxy that produced the outcome.
type ProxyMark int

// Proxy marks.
const (
	MarkNone ProxyMark = iota
	MarkCooling
	MarkBanned
)

// Verdict is the classification of one outcome together with the
// escalation hint and any retry delay.
type Verdict struct {
	Class      types.Classification
	NextTier   types.Tier    // meaningful when Class == ClassEscalate
	RetryAfter time.Duration // meaningful when Class == ClassTransient
	Proxy      ProxyMark
	Reason     string
}

// Classify labels an outcome produced at the given tier. attempts is the
// number of transient retries already burned at this tier. Rules are
// applied in order; the first match wins.
func Classify(o *types.Outcome, tier types.Tier, attempts int, p Policy) Verdict {
	challenge := o.Challenge
	if challenge == types.ChallengeNone || challenge == "" {
		challenge = markers.DetectBody(o.Body)
	}

	// Origin block codes in the body refine the cheap sentinel scan:
	// a CF 1015 block page is a throttle with a known delay, a 1020 is
	// an access denial and reads as a WAF block.
	var block ratelimit.Info
	if o.Status >= 400 || challenge != types.ChallengeNone {
		block = ratelimit.Detect(o.Body)
	}
	if challenge == types.ChallengeNone && block.Detected {
		switch block.Category {
		case ratelimit.CategoryRateLimit:
			challenge = types.ChallengeRateLimit
		case ratelimit.CategoryAccessDenied:
			challenge = types.ChallengeWAFBlock
		}
	}

	// Rule 1: network transport errors.
	switch o.ErrorKind {
	case types.ErrKindDNS:
		return Verdict{Class: types.ClassFatal, Reason: "dns resolution failed"}
	case types.ErrKindConnect, types.ErrKindTLS:
		if attempts >= p.MaxTransientRetries {
			return Verdict{Class: types.ClassFatal, Reason: "transport errors exhausted retries"}
		}
		return Verdict{Class: types.ClassTransient, Reason: string(o.ErrorKind)}
	case types.ErrKindDriverCrash:
		if attempts >= p.MaxTransientRetries {
			return Verdict{Class: types.ClassFatal, Reason: "driver crash exhausted retries"}
		}
		return Verdict{Class: types.ClassTransient, Reason: "driver crash"}
	case types.ErrKindCancelled:
		return Verdict{Class: types.ClassFatal, Reason: "cancelled"}
	}

	// Rule 2: timeout. The origin may be stalling JS, so after the
	// retry budget the request moves up a tier rather than giving up.
	if o.ErrorKind == types.ErrKindTimeout || o.ErrorKind == types.ErrKindDeadline {
		if attempts >= p.MaxTransientRetries {
			return escalateFrom(tier, MarkNone, "timeouts exhausted retries")
		}
		return Verdict{Class: types.ClassTransient, Reason: "timeout"}
	}

	// Rule 4: Cloudflare interstitial on 403/503 (checked before the
	// generic success rule so a 503 interstitial never reads as 5xx).
	if (o.Status == 403 || o.Status == 503) &&
		(challenge == types.ChallengeInterstitial || markers.CloudflareHeaders(o.Headers())) {
		mark := MarkCooling
		if p.BanOnChallenge {
			mark = MarkBanned
		}
		if tier >= types.MaxTier {
			return Verdict{Class: types.ClassManualSolve, Proxy: mark, Reason: "cf interstitial at top tier"}
		}
		return escalateFrom(tier, mark, "cf interstitial")
	}

	// Rule 5: Turnstile widget. Tiers below the covert browser cannot
	// interact with the widget; from T4 up the automated click already
	// failed, so only a human can proceed.
	if challenge == types.ChallengeTurnstile {
		if tier >= types.TierCovert {
			return Verdict{Class: types.ClassManualSolve, Proxy: MarkCooling, Reason: "turnstile at browser tier"}
		}
		return escalateFrom(tier, MarkNone, "turnstile widget")
	}
	if challenge == types.ChallengeHCaptcha || challenge == types.ChallengeReCaptcha {
		if tier >= types.TierCovert {
			return Verdict{Class: types.ClassManualSolve, Proxy: MarkNone, Reason: string(challenge)}
		}
		return escalateFrom(tier, MarkNone, string(challenge))
	}

	// Rule 6: rate limiting. First occurrence waits the server-indicated
	// delay; repeats escalate and cool the proxy.
	if o.Status == 429 || o.RetryAfter > 0 || challenge == types.ChallengeRateLimit {
		if attempts >= 1 {
			return escalateFrom(tier, MarkCooling, "repeated rate limit")
		}
		delay := o.RetryAfter
		if delay <= 0 {
			delay = block.Delay
		}
		if delay <= 0 {
			delay = 10 * time.Second
		}
		reason := "rate limited"
		if block.Code != "" {
			reason = "rate limited " + block.Code
		}
		return Verdict{Class: types.ClassTransient, RetryAfter: delay, Proxy: MarkCooling, Reason: reason}
	}

	// Rule 3: plain success.
	if o.Status >= 200 && o.Status < 300 {
		if challenge == types.ChallengeNone && len(o.Body) >= p.MinBodyBytes {
			return Verdict{Class: types.ClassSuccess}
		}
		if challenge == types.ChallengeWAFBlock {
			return escalateFrom(tier, MarkCooling, "waf block page with 2xx")
		}
		if challenge != types.ChallengeNone {
			// Challenge markers behind a 200: treat like rule 4/5.
			if tier >= types.MaxTier {
				return Verdict{Class: types.ClassManualSolve, Reason: "challenge markers at top tier"}
			}
			return escalateFrom(tier, MarkNone, "challenge markers in 2xx body")
		}
		// Rule 9: suspiciously small or wrong-shaped content.
		return escalateFrom(tier, MarkNone, "content below size floor")
	}

	// WAF block pages (403 without CF fingerprints).
	if challenge == types.ChallengeWAFBlock {
		mark := MarkCooling
		if p.BanOnChallenge {
			mark = MarkBanned
		}
		if tier >= types.MaxTier {
			return Verdict{Class: types.ClassFatal, Proxy: mark, Reason: "waf block at top tier"}
		}
		return escalateFrom(tier, mark, "waf block")
	}

	// Rule 7: other client errors are not retryable.
	if o.Status >= 400 && o.Status < 500 {
		return Verdict{Class: types.ClassFatal, Reason: "http 4xx"}
	}

	// Rule 8: non-CF server errors retry then die.
	if o.Status >= 500 {
		if attempts >= p.MaxTransientRetries {
			return Verdict{Class: types.ClassFatal, Reason: "http 5xx exhausted retries"}
		}
		return Verdict{Class: types.ClassTransient, Reason: "http 5xx"}
	}

	// No status and no recognized error: surface as content-invalid
	// escalation so a higher tier can take a look.
	return escalateFrom(tier, MarkNone, "unclassifiable outcome")
}

// escalateFrom builds the escalation verdict, degrading to manual solve
// when already at the last automated rung.
func escalateFrom(tier types.Tier, mark ProxyMark, reason string) Verdict {
	if tier >= types.MaxTier {
		return Verdict{Class: types.ClassManualSolve, Proxy: mark, Reason: reason}
	}
	return Verdict{Class: types.ClassEscalate, NextTier: tier.Next(), Proxy: mark, Reason: reason}
}

// ErrorKindFor maps a classification back onto the outcome error
// taxonomy for reporting.
func ErrorKindFor(challenge types.ChallengeKind) types.ErrorKind {
	switch challenge {
	case types.ChallengeInterstitial:
		return types.ErrKindChallengeCF
	case types.ChallengeTurnstile:
		return types.ErrKindChallengeTurn
	case types.ChallengeHCaptcha:
		return types.ErrKindChallengeHCaptcha
	case types.ChallengeReCaptcha:
		return types.ErrKindChallengeRe
	case types.ChallengeRateLimit:
		return types.ErrKindRateLimit
	case types.ChallengeWAFBlock:
		return types.ErrKindWAFBlock
	}
	return types.ErrKindNone
}
