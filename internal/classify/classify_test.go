package classify

import (
	"bytes"
	"testing"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

func htmlBody(size int, sentinel string) []byte {
	var b bytes.Buffer
	b.WriteString("<html><head><title>page</title></head><body>")
	b.WriteString(sentinel)
	for b.Len() < size {
		b.WriteString("lorem ipsum dolor sit amet ")
	}
	b.WriteString("</body></html>")
	return b.Bytes()
}

func TestClassify(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		outcome   types.Outcome
		tier      types.Tier
		attempts  int
		wantClass types.Classification
		wantTier  types.Tier
		wantProxy ProxyMark
	}{
		{
			name:      "dns failure is fatal immediately",
			outcome:   types.Outcome{ErrorKind: types.ErrKindDNS},
			tier:      types.TierImpersonate,
			wantClass: types.ClassFatal,
		},
		{
			name:      "connect error retries",
			outcome:   types.Outcome{ErrorKind: types.ErrKindConnect},
			tier:      types.TierImpersonate,
			attempts:  0,
			wantClass: types.ClassTransient,
		},
		{
			name:      "connect error exhausts retries",
			outcome:   types.Outcome{ErrorKind: types.ErrKindConnect},
			tier:      types.TierImpersonate,
			attempts:  2,
			wantClass: types.ClassFatal,
		},
		{
			name:      "timeout retries then escalates",
			outcome:   types.Outcome{ErrorKind: types.ErrKindTimeout},
			tier:      types.TierLightweight,
			attempts:  2,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierCDP,
		},
		{
			name:      "clean 200 with full body succeeds",
			outcome:   types.Outcome{Status: 200, Body: htmlBody(4096, "")},
			tier:      types.TierImpersonate,
			wantClass: types.ClassSuccess,
		},
		{
			name: "403 interstitial escalates and cools proxy",
			outcome: types.Outcome{
				Status: 403,
				Body:   htmlBody(2048, "<span>Just a moment...</span>"),
			},
			tier:      types.TierImpersonate,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierLightweight,
			wantProxy: MarkCooling,
		},
		{
			name: "503 with cf headers escalates",
			outcome: types.Outcome{
				Status:      503,
				Body:        htmlBody(2048, ""),
				RespHeaders: map[string]string{"CF-Ray": "8abc123-SJC"},
			},
			tier:      types.TierCDP,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierCovert,
			wantProxy: MarkCooling,
		},
		{
			name: "interstitial at top tier needs a human",
			outcome: types.Outcome{
				Status: 403,
				Body:   htmlBody(2048, "Checking your browser before accessing"),
			},
			tier:      types.TierClicker,
			wantClass: types.ClassManualSolve,
			wantProxy: MarkCooling,
		},
		{
			name: "turnstile below browser tiers escalates",
			outcome: types.Outcome{
				Status: 403,
				Body:   htmlBody(2048, `<div class="cf-turnstile"></div>`),
			},
			tier:      types.TierLightweight,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierCDP,
		},
		{
			name: "turnstile at covert tier needs a human",
			outcome: types.Outcome{
				Status:    403,
				Challenge: types.ChallengeTurnstile,
			},
			tier:      types.TierCovert,
			wantClass: types.ClassManualSolve,
			wantProxy: MarkCooling,
		},
		{
			name:      "first rate limit waits retry-after",
			outcome:   types.Outcome{Status: 429, RetryAfter: 30 * time.Second},
			tier:      types.TierImpersonate,
			attempts:  0,
			wantClass: types.ClassTransient,
			wantProxy: MarkCooling,
		},
		{
			name:      "repeated rate limit escalates",
			outcome:   types.Outcome{Status: 429},
			tier:      types.TierImpersonate,
			attempts:  1,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierLightweight,
			wantProxy: MarkCooling,
		},
		{
			name:      "plain 404 is fatal",
			outcome:   types.Outcome{Status: 404, Body: htmlBody(1024, "not found")},
			tier:      types.TierImpersonate,
			wantClass: types.ClassFatal,
		},
		{
			name:      "non-cf 500 retries",
			outcome:   types.Outcome{Status: 500, Body: htmlBody(1024, "internal error")},
			tier:      types.TierImpersonate,
			attempts:  0,
			wantClass: types.ClassTransient,
		},
		{
			name:      "non-cf 500 exhausts retries",
			outcome:   types.Outcome{Status: 500, Body: htmlBody(1024, "internal error")},
			tier:      types.TierImpersonate,
			attempts:  2,
			wantClass: types.ClassFatal,
		},
		{
			name:      "thin 200 body escalates",
			outcome:   types.Outcome{Status: 200, Body: []byte("<html></html>")},
			tier:      types.TierImpersonate,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierLightweight,
		},
		{
			name: "challenge markers behind a 200 escalate",
			outcome: types.Outcome{
				Status: 200,
				Body:   htmlBody(2048, "cf-spinner-please-wait"),
			},
			tier:      types.TierImpersonate,
			wantClass: types.ClassEscalate,
			wantTier:  types.TierLightweight,
		},
		{
			name:      "cancelled is fatal",
			outcome:   types.Outcome{ErrorKind: types.ErrKindCancelled},
			tier:      types.TierCDP,
			wantClass: types.ClassFatal,
		},
		{
			name:      "driver crash retries",
			outcome:   types.Outcome{ErrorKind: types.ErrKindDriverCrash},
			tier:      types.TierCDP,
			attempts:  1,
			wantClass: types.ClassTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Classify(&tt.outcome, tt.tier, tt.attempts, p)
			if v.Class != tt.wantClass {
				t.Errorf("Class = %q, want %q (reason %q)", v.Class, tt.wantClass, v.Reason)
			}
			if tt.wantClass == types.ClassEscalate && v.NextTier != tt.wantTier {
				t.Errorf("NextTier = %v, want %v", v.NextTier, tt.wantTier)
			}
			if v.Proxy != tt.wantProxy {
				t.Errorf("Proxy = %v, want %v", v.Proxy, tt.wantProxy)
			}
		})
	}
}

func TestClassifyBanOnChallenge(t *testing.T) {
	p := DefaultPolicy()
	p.BanOnChallenge = true

	o := types.Outcome{
		Status: 403,
		Body:   htmlBody(2048, "Just a moment..."),
	}
	v := Classify(&o, types.TierImpersonate, 0, p)
	if v.Class != types.ClassEscalate {
		t.Fatalf("Class = %q, want escalate", v.Class)
	}
	if v.Proxy != MarkBanned {
		t.Errorf("Proxy = %v, want banned", v.Proxy)
	}
}

func TestClassifyRateLimitDefaultDelay(t *testing.T) {
	o := types.Outcome{Status: 429}
	v := Classify(&o, types.TierImpersonate, 0, DefaultPolicy())
	if v.Class != types.ClassTransient {
		t.Fatalf("Class = %q, want transient", v.Class)
	}
	if v.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want a positive default", v.RetryAfter)
	}
}

func TestClassifyBlockCodes(t *testing.T) {
	p := DefaultPolicy()

	// CF 1015 is a throttle; the code's delay applies when the origin
	// sent no Retry-After.
	throttled := types.Outcome{
		Status: 429,
		Body:   htmlBody(2048, "Error code: 1015"),
	}
	v := Classify(&throttled, types.TierImpersonate, 0, p)
	if v.Class != types.ClassTransient {
		t.Fatalf("Class = %q, want transient", v.Class)
	}
	if v.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", v.RetryAfter)
	}
	if v.Reason != "rate limited CF_1015" {
		t.Errorf("Reason = %q", v.Reason)
	}

	// A Retry-After header outranks the code's default delay.
	throttled.RetryAfter = 5 * time.Second
	v = Classify(&throttled, types.TierImpersonate, 0, p)
	if v.RetryAfter != 5*time.Second {
		t.Errorf("RetryAfter = %v, want 5s", v.RetryAfter)
	}

	// CF 1020 is an access denial and behaves like a WAF block.
	denied := types.Outcome{
		Status: 403,
		Body:   htmlBody(2048, "Error code 1020: Access denied"),
	}
	v = Classify(&denied, types.TierLightweight, 0, p)
	if v.Class != types.ClassEscalate {
		t.Fatalf("Class = %q, want escalate", v.Class)
	}
	if v.Proxy != MarkCooling {
		t.Errorf("Proxy = %v, want cooling", v.Proxy)
	}
}

func TestErrorKindFor(t *testing.T) {
	tests := []struct {
		challenge types.ChallengeKind
		want      types.ErrorKind
	}{
		{types.ChallengeInterstitial, types.ErrKindChallengeCF},
		{types.ChallengeTurnstile, types.ErrKindChallengeTurn},
		{types.ChallengeHCaptcha, types.ErrKindChallengeHCaptcha},
		{types.ChallengeRateLimit, types.ErrKindRateLimit},
		{types.ChallengeNone, types.ErrKindNone},
	}
	for _, tt := range tests {
		if got := ErrorKindFor(tt.challenge); got != tt.want {
			t.Errorf("ErrorKindFor(%q) = %q, want %q", tt.challenge, got, tt.want)
		}
	}
}
