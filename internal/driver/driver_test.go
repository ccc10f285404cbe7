package driver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"seconds padded", " 5 ", 5 * time.Second},
		{"zero", "0", 0},
		{"negative", "-10", 0},
		{"garbage", "soon", 0},
		{"past date", "Mon, 02 Jan 2006 15:04:05 GMT", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("parseRetryAfter(future date) = %v, want ~90s", got)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want types.ErrorKind
	}{
		{"nil", nil, types.ErrKindNone},
		{"cancelled", context.Canceled, types.ErrKindCancelled},
		{"deadline", context.DeadlineExceeded, types.ErrKindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}, types.ErrKindDNS},
		{"net timeout", timeoutErr{}, types.ErrKindTimeout},
		{"tls message", errors.New("tls: handshake failure"), types.ErrKindTLS},
		{"certificate message", errors.New("x509: certificate signed by unknown authority"), types.ErrKindTLS},
		{"refused", errors.New("dial tcp: connection refused"), types.ErrKindConnect},
		{"reset", errors.New("read: connection reset by peer"), types.ErrKindConnect},
		{"unknown", errors.New("something broke"), types.ErrKindConnect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorKindOf(tt.err); got != tt.want {
				t.Errorf("errorKindOf(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestFailedOutcome(t *testing.T) {
	start := time.Now().Add(-time.Second)
	o := failedOutcome(types.TierImpersonate, "http://proxy:8080", start, context.DeadlineExceeded)
	if o.OK {
		t.Error("failed outcome should not be OK")
	}
	if o.Tier != types.TierImpersonate {
		t.Errorf("tier = %v", o.Tier)
	}
	if o.ErrorKind != types.ErrKindTimeout {
		t.Errorf("error kind = %q", o.ErrorKind)
	}
	if o.Elapsed < time.Second {
		t.Errorf("elapsed = %v, want >= 1s", o.Elapsed)
	}
	if o.ProxyURL != "http://proxy:8080" {
		t.Errorf("proxy = %q", o.ProxyURL)
	}
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{
		"Content-Type": {"text/html", "ignored"},
		"Cf-Ray":       {"abc123"},
		"Empty":        {},
	}
	got := flattenHeaders(h)
	if got["Content-Type"] != "text/html" {
		t.Errorf("Content-Type = %q", got["Content-Type"])
	}
	if got["Cf-Ray"] != "abc123" {
		t.Errorf("Cf-Ray = %q", got["Cf-Ray"])
	}
	if _, ok := got["Empty"]; ok {
		t.Error("empty header should be dropped")
	}
}

func TestCookieHeader(t *testing.T) {
	if got := cookieHeader(nil); got != "" {
		t.Errorf("cookieHeader(nil) = %q", got)
	}
	got := cookieHeader([]types.Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2"},
	})
	if got != "a=1; b=2" {
		t.Errorf("cookieHeader = %q", got)
	}
}

func TestNeedsRender(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		want        bool
	}{
		{"json", `{"ok":true}`, "application/json", false},
		{"thin html", "<html><body></body></html>", "text/html; charset=utf-8", true},
		{"full html", "<html>" + strings.Repeat("x", 600) + "</html>", "text/html", false},
		{"empty no type", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needsRender([]byte(tt.body), tt.contentType); got != tt.want {
				t.Errorf("needsRender = %v, want %v", got, tt.want)
			}
		})
	}
}

type stubDriver struct {
	tier   types.Tier
	closed bool
}

func (s *stubDriver) Tier() types.Tier { return s.tier }
func (s *stubDriver) Execute(context.Context, *types.Request) (*types.Outcome, error) {
	return &types.Outcome{OK: true, Tier: s.tier}, nil
}
func (s *stubDriver) Close() error {
	s.closed = true
	return nil
}

func TestRegistry(t *testing.T) {
	d1 := &stubDriver{tier: types.TierImpersonate}
	d3 := &stubDriver{tier: types.TierCDP}
	r := NewRegistry(d1, d3)

	if got := r.For(types.TierImpersonate); got != d1 {
		t.Error("For(T1) returned wrong driver")
	}
	if got := r.For(types.TierLightweight); got != nil {
		t.Error("For(T2) should be nil")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !d1.closed || !d3.closed {
		t.Error("registry close did not close all drivers")
	}
}

func TestImpersonatePlainHTTP(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>served over plain http</body></html>"))
	}))
	defer srv.Close()

	d := NewImpersonate(5*time.Second, "", "")
	o, err := d.Execute(context.Background(), &types.Request{URL: srv.URL})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !o.OK || o.Status != http.StatusOK {
		t.Fatalf("outcome ok=%v status=%d errKind=%q, want 200 OK", o.OK, o.Status, o.ErrorKind)
	}
	if !strings.Contains(string(o.Body), "served over plain http") {
		t.Errorf("body = %q, want served page", o.Body)
	}
	if gotUA == "" {
		t.Error("request carried no User-Agent")
	}
}

func TestImpersonateProfileRotation(t *testing.T) {
	d := NewImpersonate(time.Second, "", "")
	seen := make(map[string]int)
	for i := 0; i < 2*len(helloProfiles); i++ {
		seen[d.nextProfile().name]++
	}
	if len(seen) != len(helloProfiles) {
		t.Errorf("rotation visited %d profiles, want %d", len(seen), len(helloProfiles))
	}
	for name, n := range seen {
		if n != 2 {
			t.Errorf("profile %s picked %d times, want 2", name, n)
		}
	}
}

func TestImpersonateProfilePinned(t *testing.T) {
	d := NewImpersonate(time.Second, "", "firefox")
	for i := 0; i < 5; i++ {
		if p := d.nextProfile(); p.name != "firefox" {
			t.Fatalf("pinned driver returned profile %s", p.name)
		}
	}
}

func TestImpersonateProfileUnknownRotates(t *testing.T) {
	d := NewImpersonate(time.Second, "", "netscape")
	if d.fixed != nil {
		t.Error("unknown fingerprint name should not pin a profile")
	}
}

func TestImpersonateProfileUserAgent(t *testing.T) {
	safari := profileByName("safari")
	if safari == nil {
		t.Fatal("safari profile missing from pool")
	}
	if safari.chromium {
		t.Error("safari profile should not send Chromium client hints")
	}

	d := NewImpersonate(time.Second, "", "safari")
	if got := d.effectiveUA(&types.Request{}, *safari); got != safari.ua {
		t.Errorf("default UA = %q, want profile UA", got)
	}

	pinned := NewImpersonate(time.Second, "Custom/1.0", "safari")
	if got := pinned.effectiveUA(&types.Request{}, *safari); got != "Custom/1.0" {
		t.Errorf("driver UA override = %q", got)
	}

	req := &types.Request{Headers: map[string]string{"User-Agent": "PerRequest/2.0"}}
	if got := pinned.effectiveUA(req, *safari); got != "PerRequest/2.0" {
		t.Errorf("request UA override = %q", got)
	}
}
