package driver

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/publicsuffix"

	"github.com/titanfetch/titan/internal/markers"
	"github.com/titanfetch/titan/internal/types"
)

// minRenderedBody is the smallest HTML body treated as a real document.
// Anything shorter is assumed to be a JS shell that needs rendering.
const minRenderedBody = 512

// Lightweight is the T2 driver: a full HTTP client stack with a cookie
// jar, redirect following, and browser-shaped headers. When the fetch
// succeeds but returns a JS shell instead of a document, it promotes
// the request to a plain page load on the given browser, without the
// challenge-sitting machinery of the higher tiers.
type Lightweight struct {
	timeout   time.Duration
	userAgent string
	promote   *Browser
}

// NewLightweight builds the T2 driver. promote may be nil to disable
// page-load promotion.
func NewLightweight(timeout time.Duration, userAgent string, promote *Browser) *Lightweight {
	if userAgent == "" {
		userAgent = defaultChromeUA
	}
	return &Lightweight{timeout: timeout, userAgent: userAgent, promote: promote}
}

// Tier implements Driver.
func (d *Lightweight) Tier() types.Tier { return types.TierLightweight }

// Close implements Driver.
func (d *Lightweight) Close() error {
	if d.promote != nil {
		return d.promote.Close()
	}
	return nil
}

// Execute fetches the URL with a fresh client. Each attempt gets its
// own jar so cross-request cookie state never leaks between domains.
func (d *Lightweight) Execute(ctx context.Context, req *types.Request) (*types.Outcome, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := &http.Transport{
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	if req.ProxyURL != "" {
		pu, err := url.Parse(req.ProxyURL)
		if err != nil {
			return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
		}
		transport.Proxy = http.ProxyURL(pu)
	}
	defer transport.CloseIdleConnections()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}

	client := &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}
	d.setHeaders(httpReq, req)

	resp, err := client.Do(httpReq)
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return failedOutcome(d.Tier(), req.ProxyURL, start, err), nil
	}

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	outcome := &types.Outcome{
		OK:          resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Elapsed:     time.Since(start),
		Tier:        d.Tier(),
		ProxyURL:    req.ProxyURL,
		FinalURL:    finalURL,
		UserAgent:   d.effectiveUA(req),
		RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		RespHeaders: flattenHeaders(resp.Header),
		Cookies:     jarCookies(jar, resp.Request.URL),
	}
	outcome.Challenge = markers.DetectBody(body)

	if d.promote != nil && outcome.OK && needsRender(body, outcome.ContentType) {
		log.Debug().Str("url", finalURL).Msg("Body looks like a JS shell, promoting to page load")
		promoted, err := d.promote.Execute(ctx, req)
		if err == nil && promoted != nil {
			promoted.Tier = d.Tier()
			return promoted, nil
		}
		log.Debug().Err(err).Msg("Page-load promotion failed, keeping HTTP outcome")
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Int("body_bytes", len(body)).
		Str("final_url", finalURL).
		Dur("elapsed", outcome.Elapsed).
		Msg("Lightweight attempt complete")
	return outcome, nil
}

func (d *Lightweight) effectiveUA(req *types.Request) string {
	if ua := req.Headers["User-Agent"]; ua != "" {
		return ua
	}
	return d.userAgent
}

func (d *Lightweight) setHeaders(httpReq *http.Request, req *types.Request) {
	httpReq.Header.Set("User-Agent", d.effectiveUA(req))
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Upgrade-Insecure-Requests", "1")

	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// needsRender reports whether a successful HTML response is too thin to
// be the real document and should be re-fetched through a page load.
func needsRender(body []byte, contentType string) bool {
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return false
	}
	return len(bytes.TrimSpace(body)) < minRenderedBody
}

// jarCookies drains the jar for the final URL after the exchange.
func jarCookies(jar http.CookieJar, u *url.URL) []types.Cookie {
	if u == nil {
		return nil
	}
	raw := jar.Cookies(u)
	out := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, types.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}
