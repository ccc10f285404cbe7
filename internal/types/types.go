// Package types provides shared types, interfaces, and errors for the
// acquisition engine.
package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Request validation limits.
const (
	MaxURLLength         = 8192
	MaxHeaders           = 50
	MaxHeaderNameLength  = 256
	MaxHeaderValueLength = 8192
	MaxCookies           = 100
	MaxCookieNameLength  = 256
	MaxCookieValueLength = 4096
	MaxTimeout           = 10 * time.Minute
	MaxWaitSelector      = 1024
)

// Tier identifies one acquisition strategy on the escalation ladder.
// Higher tiers are more expensive and more evasion-capable.
type Tier int

// Acquisition tiers, cheapest first.
const (
	TierImpersonate Tier = iota + 1 // raw TLS client with browser fingerprint
	TierLightweight                 // browser HTTP stack, no stealth
	TierCDP                         // stealth CDP browser
	TierCovert                      // stealth browser with AV evasion
	TierClicker                     // full browser with automated CAPTCHA clicker
)

// MaxTier is the last automated rung; beyond it work is parked for a
// human solver.
const MaxTier = TierClicker

// String returns the canonical tier name.
func (t Tier) String() string {
	switch t {
	case TierImpersonate:
		return "T1"
	case TierLightweight:
		return "T2"
	case TierCDP:
		return "T3"
	case TierCovert:
		return "T4"
	case TierClicker:
		return "T5"
	default:
		return fmt.Sprintf("T?(%d)", int(t))
	}
}

// Valid reports whether the tier is within the ladder.
func (t Tier) Valid() bool {
	return t >= TierImpersonate && t <= TierClicker
}

// Next returns the next tier up, or the same tier if already at the top.
func (t Tier) Next() Tier {
	if t >= MaxTier {
		return MaxTier
	}
	return t + 1
}

// TierProfile describes the declared cost and capability of a tier.
// The orchestrator uses these figures for cost-aware routing; they are
// typical values, not guarantees.
type TierProfile struct {
	Tier          Tier
	Name          string
	OverheadKB    int
	LatencyMs     int
	RendersJS     bool
	RunsChallenge bool
	SolvesCaptcha bool
}

// profiles declares the cost/capability point of each tier.
var profiles = map[Tier]TierProfile{
	TierImpersonate: {TierImpersonate, "impersonate", 15, 400, false, false, false},
	TierLightweight: {TierLightweight, "lightweight", 400, 1500, true, false, false},
	TierCDP:         {TierCDP, "cdp", 1500, 4000, true, true, false},
	TierCovert:      {TierCovert, "covert", 1800, 6000, true, true, false},
	TierClicker:     {TierClicker, "clicker", 2200, 12000, true, true, true},
}

// Profile returns the declared profile for a tier.
func Profile(t Tier) TierProfile {
	return profiles[t]
}

// Cookie is a cookie attached to a request or observed on an outcome.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// Request is one immutable URL acquisition request. It lives for a
// single orchestration attempt.
type Request struct {
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Cookies      []Cookie          `json:"cookies,omitempty"`
	ForcedTier   Tier              `json:"forcedTier,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	WaitSelector string            `json:"waitSelector,omitempty"`
	WaitDelay    time.Duration     `json:"waitDelay,omitempty"`
	BlockImages  bool              `json:"blockImages,omitempty"`
	ProxyURL     string            `json:"proxyUrl,omitempty"`
}

// Validate checks the request and returns an error if invalid.
func (r *Request) Validate() error {
	if r.URL == "" {
		return ErrURLRequired
	}
	if len(r.URL) > MaxURLLength {
		return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}

	if r.ForcedTier != 0 && !r.ForcedTier.Valid() {
		return fmt.Errorf("forced tier out of range: %d", int(r.ForcedTier))
	}
	if r.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if r.Timeout > MaxTimeout {
		return fmt.Errorf("timeout exceeds maximum of %s", MaxTimeout)
	}
	if len(r.WaitSelector) > MaxWaitSelector {
		return fmt.Errorf("waitSelector exceeds maximum length of %d", MaxWaitSelector)
	}

	if len(r.Headers) > MaxHeaders {
		return fmt.Errorf("too many headers (maximum %d)", MaxHeaders)
	}
	for name, value := range r.Headers {
		if len(name) > MaxHeaderNameLength {
			return fmt.Errorf("header name exceeds maximum length of %d", MaxHeaderNameLength)
		}
		if len(value) > MaxHeaderValueLength {
			return fmt.Errorf("header value exceeds maximum length of %d", MaxHeaderValueLength)
		}
	}

	if len(r.Cookies) > MaxCookies {
		return fmt.Errorf("too many cookies (maximum %d)", MaxCookies)
	}
	for i, c := range r.Cookies {
		if c.Name == "" {
			return fmt.Errorf("cookie[%d]: name is required", i)
		}
		if len(c.Name) > MaxCookieNameLength {
			return fmt.Errorf("cookie[%d]: name exceeds maximum length of %d", i, MaxCookieNameLength)
		}
		if len(c.Value) > MaxCookieValueLength {
			return fmt.Errorf("cookie[%d]: value exceeds maximum length of %d", i, MaxCookieValueLength)
		}
	}

	return nil
}

// Domain returns the normalized domain of the request URL: host
// lowercased, default port stripped. Returns "" on unparsable URLs.
func (r *Request) Domain() string {
	return NormalizeDomain(r.URL)
}

// NormalizeDomain extracts the session-cache key for a URL.
func NormalizeDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || port == "80" || port == "443" {
		return host
	}
	return host + ":" + port
}

// ChallengeKind tags the bot-mitigation challenge detected on an outcome.
type ChallengeKind string

// Challenge kinds.
const (
	ChallengeNone         ChallengeKind = "none"
	ChallengeInterstitial ChallengeKind = "cf-interstitial"
	ChallengeTurnstile    ChallengeKind = "cf-turnstile"
	ChallengeHCaptcha     ChallengeKind = "hcaptcha"
	ChallengeReCaptcha    ChallengeKind = "recaptcha"
	ChallengeRateLimit    ChallengeKind = "rate-limit"
	ChallengeWAFBlock     ChallengeKind = "waf-block"
)

// ErrorKind is the normalized error taxonomy for outcomes.
type ErrorKind string

// Error kinds.
const (
	ErrKindNone              ErrorKind = ""
	ErrKindDNS               ErrorKind = "dns-error"
	ErrKindConnect           ErrorKind = "connect-error"
	ErrKindTLS               ErrorKind = "tls-error"
	ErrKindTimeout           ErrorKind = "timeout"
	ErrKindHTTP4xx           ErrorKind = "http-4xx"
	ErrKindHTTP5xx           ErrorKind = "http-5xx"
	ErrKindChallengeCF       ErrorKind = "challenge-cf"
	ErrKindChallengeTurn     ErrorKind = "challenge-turnstile"
	ErrKindChallengeHCaptcha ErrorKind = "challenge-hcaptcha"
	ErrKindChallengeRe       ErrorKind = "challenge-recaptcha"
	ErrKindWAFBlock          ErrorKind = "waf-block"
	ErrKindRateLimit         ErrorKind = "rate-limit"
	ErrKindContentInvalid    ErrorKind = "content-invalid"
	ErrKindDriverCrash       ErrorKind = "driver-crash"
	ErrKindSolveFailed       ErrorKind = "manual-solve-failed"
	ErrKindSolveExpired      ErrorKind = "manual-solve-expired"
	ErrKindCancelled         ErrorKind = "cancelled"
	ErrKindDeadline          ErrorKind = "deadline-exceeded"
)

// Outcome is the structured result of one driver invocation. Drivers
// never surface exceptions upward; failures are encoded here.
type Outcome struct {
	OK          bool          `json:"ok"`
	Status      int           `json:"status,omitempty"`
	Body        []byte        `json:"-"`
	ContentType string        `json:"contentType,omitempty"`
	Elapsed     time.Duration `json:"elapsedMs"`
	Challenge   ChallengeKind `json:"challenge,omitempty"`
	ErrorKind   ErrorKind     `json:"errorKind,omitempty"`
	Message     string        `json:"message,omitempty"`
	RetryAfter  time.Duration `json:"retryAfterMs,omitempty"`
	Tier        Tier          `json:"tier"`
	ProxyURL    string        `json:"proxyUrl,omitempty"`
	SessionID   string        `json:"sessionId,omitempty"`
	FinalURL    string        `json:"finalUrl,omitempty"`
	Cookies     []Cookie      `json:"cookies,omitempty"`
	UserAgent   string        `json:"userAgent,omitempty"`

	// RespHeaders holds selected response headers captured by the
	// driver. Keys are as received from the origin.
	RespHeaders map[string]string `json:"-"`
}

// Headers returns the captured response headers, never nil.
func (o *Outcome) Headers() map[string]string {
	if o.RespHeaders == nil {
		return map[string]string{}
	}
	return o.RespHeaders
}

// Classification is the verdict of the failure classifier.
type Classification string

// Classifications.
const (
	ClassSuccess     Classification = "success"
	ClassTransient   Classification = "transient-retry"
	ClassEscalate    Classification = "challenge-escalate"
	ClassFatal       Classification = "fatal"
	ClassManualSolve Classification = "needs-manual-solve"
)

// Session is a per-domain clearance entry. A session is consumable iff
// now < ExpiresAt; expired entries are treated as cache misses.
type Session struct {
	Domain    string            `json:"domain"`
	Clearance string            `json:"cf_clearance"`
	UserAgent string            `json:"user_agent"`
	Cookies   map[string]string `json:"cookies,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Valid reports whether the session is consumable at the given instant.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.Clearance != "" && now.Before(s.ExpiresAt)
}

// TaskStatus is the lifecycle state of a manual-solve task.
type TaskStatus string

// Task statuses. Progression is monotonic except assigned -> pending on
// assignment timeout.
const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskSolved     TaskStatus = "solved"
	TaskFailed     TaskStatus = "failed"
	TaskExpired    TaskStatus = "expired"
	TaskUnsolvable TaskStatus = "unsolvable"
)

// Terminal reports whether the status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSolved, TaskFailed, TaskExpired, TaskUnsolvable:
		return true
	}
	return false
}

// SolverResult is what a human operator submits for a solved task.
type SolverResult struct {
	Clearance string            `json:"cf_clearance"`
	UserAgent string            `json:"user_agent"`
	Cookies   map[string]string `json:"cookies,omitempty"`
}

// Empty reports whether the result carries no clearance.
func (r *SolverResult) Empty() bool {
	return r == nil || r.Clearance == "" || r.UserAgent == ""
}

// Task is a manual-solve work item persisted in the CAPTCHA queue.
type Task struct {
	ID            int64         `json:"-"`
	UUID          string        `json:"id"`
	URL           string        `json:"url"`
	Domain        string        `json:"domain"`
	Status        TaskStatus    `json:"status"`
	Priority      int           `json:"priority"`
	AssignedTo    string        `json:"assignedTo,omitempty"`
	ChallengeType ChallengeKind `json:"challengeType,omitempty"`
	Result        *SolverResult `json:"solverResult,omitempty"`
	ProxyURL      string        `json:"proxyUrl,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	Attempts      int           `json:"attempts"`
	RequestID     string        `json:"requestId,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	AssignedAt    time.Time     `json:"assignedAt,omitempty"`
	SolvedAt      time.Time     `json:"solvedAt,omitempty"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}
