package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(mk("a"), mk("b"), mk("c"))(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := strings.Join(order, ""); got != "abc" {
		t.Errorf("execution order = %q, want abc", got)
	}
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Internal server error") {
		t.Errorf("body = %q, want error envelope", w.Body.String())
	}
}

func TestTimeoutFastHandler(t *testing.T) {
	h := Timeout(time.Second)(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Errorf("body = %q, want ok", w.Body.String())
	}
}

func TestTimeoutSlowHandler(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	h := Timeout(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Request timeout") {
		t.Errorf("body = %q, want timeout envelope", w.Body.String())
	}
}

func TestAPIKeyDisabled(t *testing.T) {
	h := APIKey("")(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/scrape", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth disabled", w.Code)
	}
}

func TestAPIKeyChecks(t *testing.T) {
	h := APIKey("sekrit")(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		query  string
		want   int
	}{
		{"missing", "/v1/scrape", "", "", http.StatusUnauthorized},
		{"wrong header", "/v1/scrape", "nope", "", http.StatusUnauthorized},
		{"good header", "/v1/scrape", "sekrit", "", http.StatusOK},
		{"good query", "/v1/scrape", "", "sekrit", http.StatusOK},
		{"healthz open", "/healthz", "", "", http.StatusOK},
		{"metrics open", "/metrics", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := tt.path
			if tt.query != "" {
				target += "?api_key=" + tt.query
			}
			req := httptest.NewRequest("GET", target, nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(2, time.Hour, false)
	defer rl.Close()

	if !rl.Allow("1.2.3.4") || !rl.Allow("1.2.3.4") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("1.2.3.4") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("5.6.7.8") {
		t.Error("different IP should have its own bucket")
	}
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl := NewRateLimiter(1, 10*time.Millisecond, false)
	defer rl.Close()

	if !rl.Allow("1.2.3.4") {
		t.Fatal("first request should pass")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("second request inside window should be limited")
	}
	time.Sleep(15 * time.Millisecond)
	if !rl.Allow("1.2.3.4") {
		t.Error("request after window reset should pass")
	}
}

func TestRateLimiterHandler(t *testing.T) {
	rl := NewRateLimiter(1, time.Hour, false)
	defer rl.Close()

	h := rl.Handler()(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"remote addr", "10.0.0.1:5000", "", false, "10.0.0.1"},
		{"xff ignored", "10.0.0.1:5000", "8.8.8.8", false, "10.0.0.1"},
		{"xff trusted", "10.0.0.1:5000", "8.8.8.8", true, "8.8.8.8"},
		{"xff chain", "10.0.0.1:5000", "8.8.8.8, 1.1.1.1", true, "8.8.8.8"},
		{"mapped ipv6", "10.0.0.1:5000", "::ffff:8.8.8.8", true, "8.8.8.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMaskIP(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"192.168.1.55:8080", "192.168.1.0/24"},
		{"192.168.1.55", "192.168.1.0/24"},
		{"[2001:db8:abcd:1234::1]:443", "2001:db8:abcd::/48"},
		{"garbage", "[redacted]"},
	}
	for _, tt := range tests {
		if got := maskIP(tt.addr); got != tt.want {
			t.Errorf("maskIP(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestSanitizeURLForLogging(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no query", "/v1/jobs/123", "/v1/jobs/123"},
		{"clean query", "/v1/tasks?status=pending", "/v1/tasks?status=pending"},
		{"api key", "/v1/scrape?api_key=hunter2", "/v1/scrape?api_key=%5BREDACTED%5D"},
		{"mixed case", "/v1/scrape?Token=abc", "/v1/scrape?Token=%5BREDACTED%5D"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeURLForLogging(tt.in); got != tt.want {
				t.Errorf("sanitizeURLForLogging = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}
	if w.Header().Get("Vary") != "Origin" {
		t.Error("Vary header missing")
	}
}

func TestCORSRejectedOrigin(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow origin = %q, want empty", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"https://app.example.com"}})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", w.Code)
	}
	if w.Body.String() == "ok" {
		t.Error("preflight should not reach the handler")
	}
	if w.Header().Get("Access-Control-Max-Age") != "600" {
		t.Error("preflight max age missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(okHandler())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("nosniff header missing")
	}
	if w.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("frame options header missing")
	}
}
