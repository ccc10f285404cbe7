package driver

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"github.com/titanfetch/titan/internal/markers"
	"github.com/titanfetch/titan/internal/types"
)

// Browser user agents paired with the fingerprint profiles below. UA
// and JA3 must agree or the mismatch itself becomes a signal.
const (
	defaultChromeUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultFirefoxUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0"
	defaultSafariUA  = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15"
)

// helloProfile is one presentable TLS identity: a ClientHello shape
// and the user agent that matches it.
type helloProfile struct {
	name     string
	id       utls.ClientHelloID
	ua       string
	chromium bool
}

// helloProfiles is the fingerprint pool, rotated per request unless the
// driver is pinned to one by name.
var helloProfiles = []helloProfile{
	{name: "chrome", id: utls.HelloChrome_Auto, ua: defaultChromeUA, chromium: true},
	{name: "firefox", id: utls.HelloFirefox_Auto, ua: defaultFirefoxUA},
	{name: "safari", id: utls.HelloSafari_Auto, ua: defaultSafariUA},
}

func profileByName(name string) *helloProfile {
	for i := range helloProfiles {
		if helloProfiles[i].name == name {
			return &helloProfiles[i]
		}
	}
	return nil
}

// Impersonate is the T1 driver: a raw TLS client presenting a browser
// ClientHello, speaking h2 or http/1.1 per ALPN. No JS execution; it
// succeeds against origins that only fingerprint the handshake.
type Impersonate struct {
	timeout   time.Duration
	userAgent string
	fixed     *helloProfile
	rr        atomic.Uint64
}

// NewImpersonate builds the T1 driver. timeout bounds one attempt when
// the request carries none. userAgent, when non-empty, overrides the
// per-profile browser UA. fingerprint pins the TLS profile by name
// ("chrome", "firefox", "safari"); empty or unknown names rotate the
// pool per request.
func NewImpersonate(timeout time.Duration, userAgent, fingerprint string) *Impersonate {
	d := &Impersonate{timeout: timeout, userAgent: userAgent}
	if fingerprint != "" {
		d.fixed = profileByName(fingerprint)
		if d.fixed == nil {
			log.Warn().Str("fingerprint", fingerprint).Msg("Unknown TLS fingerprint profile, rotating instead")
		}
	}
	return d
}

// Tier implements Driver.
func (d *Impersonate) Tier() types.Tier { return types.TierImpersonate }

// Close implements Driver. The driver holds no persistent connections.
func (d *Impersonate) Close() error { return nil }

// nextProfile returns the pinned profile, or the next one in rotation.
func (d *Impersonate) nextProfile() helloProfile {
	if d.fixed != nil {
		return *d.fixed
	}
	n := d.rr.Add(1) - 1
	return helloProfiles[int(n%uint64(len(helloProfiles)))]
}

// Execute fetches the URL, impersonating a browser TLS handshake for
// https targets and speaking plain HTTP for http ones.
func (d *Impersonate) Execute(ctx context.Context, req *types.Request) (*types.Outcome, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := url.Parse(req.URL)
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}

	profile := d.nextProfile()

	var conn net.Conn
	proto := "http/1.1"
	if target.Scheme == "https" {
		uconn, err := d.dialTLS(ctx, target, req.ProxyURL, profile.id)
		if err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
		conn = uconn
		proto = uconn.ConnectionState().NegotiatedProtocol
	} else {
		conn, err = dialRaw(ctx, target, req.ProxyURL)
		if err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
	}
	defer conn.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}
	d.setHeaders(httpReq, req, profile)

	var resp *http.Response
	switch proto {
	case "h2":
		tr := &http2.Transport{}
		cc, err := tr.NewClientConn(conn)
		if err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
		defer cc.Close()
		resp, err = cc.RoundTrip(httpReq)
		if err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
	default:
		if err := httpReq.Write(conn); err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
		resp, err = http.ReadResponse(bufio.NewReader(conn), httpReq)
		if err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}

	outcome := &types.Outcome{
		OK:          resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Elapsed:     time.Since(start),
		Tier:        d.Tier(),
		ProxyURL:    req.ProxyURL,
		FinalURL:    req.URL,
		UserAgent:   d.effectiveUA(req, profile),
		RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		RespHeaders: flattenHeaders(resp.Header),
	}
	outcome.Challenge = markers.DetectBody(body)

	log.Debug().
		Int("status", resp.StatusCode).
		Int("body_bytes", len(body)).
		Str("proto", proto).
		Str("fingerprint", profile.name).
		Dur("elapsed", outcome.Elapsed).
		Msg("Impersonate attempt complete")
	return outcome, nil
}

// dialRaw connects to the target, tunneling through an HTTP CONNECT
// proxy when one is set.
func dialRaw(ctx context.Context, target *url.URL, proxyURL string) (net.Conn, error) {
	host := target.Hostname()
	port := target.Port()
	if port == "" {
		if target.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	addr := net.JoinHostPort(host, port)

	if proxyURL != "" {
		return dialViaConnect(ctx, proxyURL, addr)
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, "tcp", addr)
}

// dialTLS connects and runs a fingerprinted handshake.
func (d *Impersonate) dialTLS(ctx context.Context, target *url.URL, proxyURL string, hello utls.ClientHelloID) (*utls.UConn, error) {
	raw, err := dialRaw(ctx, target, proxyURL)
	if err != nil {
		return nil, err
	}

	cfg := &utls.Config{ServerName: target.Hostname()}
	uconn := utls.UClient(raw, cfg, hello)
	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return uconn, nil
}

// dialViaConnect tunnels through an HTTP proxy with CONNECT.
func dialViaConnect(ctx context.Context, proxyURL, targetAddr string) (net.Conn, error) {
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	proxyAddr := pu.Host
	if pu.Port() == "" {
		proxyAddr = net.JoinHostPort(pu.Hostname(), "8080")
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	connect := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if pu.User != nil {
		pass, _ := pu.User.Password()
		cred := base64.StdEncoding.EncodeToString([]byte(pu.User.Username() + ":" + pass))
		connect += "Proxy-Authorization: Basic " + cred + "\r\n"
	}
	connect += "\r\n"

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if _, err := conn.Write([]byte(connect)); err != nil {
		conn.Close()
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *Impersonate) effectiveUA(req *types.Request, profile helloProfile) string {
	if ua := req.Headers["User-Agent"]; ua != "" {
		return ua
	}
	if d.userAgent != "" {
		return d.userAgent
	}
	return profile.ua
}

// setHeaders applies browser-shaped headers. Caller headers win; the
// Cookie header is assembled from request cookies. Client-hint headers
// are only sent for Chromium profiles, matching real browsers.
func (d *Impersonate) setHeaders(httpReq *http.Request, req *types.Request, profile helloProfile) {
	httpReq.Header.Set("User-Agent", d.effectiveUA(req, profile))
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "identity")
	if profile.chromium {
		httpReq.Header.Set("Sec-Ch-Ua", `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`)
		httpReq.Header.Set("Sec-Ch-Ua-Mobile", "?0")
		httpReq.Header.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	}
	httpReq.Header.Set("Sec-Fetch-Dest", "document")
	httpReq.Header.Set("Sec-Fetch-Mode", "navigate")
	httpReq.Header.Set("Sec-Fetch-Site", "none")
	httpReq.Header.Set("Upgrade-Insecure-Requests", "1")

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if ch := cookieHeader(req.Cookies); ch != "" {
		httpReq.Header.Set("Cookie", ch)
	}
}
