package driver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/browser"
	"github.com/titanfetch/titan/internal/humanize"
	"github.com/titanfetch/titan/internal/markers"
	"github.com/titanfetch/titan/internal/security"
	"github.com/titanfetch/titan/internal/types"
)

const maxCapturedHeaders = 100

// BrowserOptions selects the behavior of a browser-backed driver.
// The CDP tiers differ only in launch profile (carried by the pool),
// page stealth, and how actively they engage a challenge.
type BrowserOptions struct {
	Tier types.Tier
	Pool *browser.Pool
	// StealthPage injects the evasion patches before navigation.
	StealthPage bool
	// SitChallenge keeps polling until challenge indicators clear.
	SitChallenge bool
	// ClickTurnstile actively ticks Turnstile checkboxes while sitting.
	ClickTurnstile bool
	// ChallengeWait bounds the sit loop separately from the attempt
	// timeout. Zero leaves only the attempt context as the bound.
	ChallengeWait time.Duration
	// BlockImages blocks image loads even when the request does not
	// ask for it.
	BlockImages bool
	Timeout     time.Duration
	UserAgent   string
}

// Browser is the driver for the browser-backed tiers (T2 page loads
// and T3 through T5).
type Browser struct {
	tier           types.Tier
	pool           *browser.Pool
	stealthPage    bool
	sitChallenge   bool
	clickTurnstile bool
	challengeWait  time.Duration
	blockImages    bool
	timeout        time.Duration
	userAgent      string
}

// NewBrowser builds a browser-backed driver on the given pool.
func NewBrowser(opts BrowserOptions) *Browser {
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultChromeUA
	}
	return &Browser{
		tier:           opts.Tier,
		pool:           opts.Pool,
		stealthPage:    opts.StealthPage,
		sitChallenge:   opts.SitChallenge,
		clickTurnstile: opts.ClickTurnstile,
		challengeWait:  opts.ChallengeWait,
		blockImages:    opts.BlockImages,
		timeout:        opts.Timeout,
		userAgent:      ua,
	}
}

// Tier implements Driver.
func (d *Browser) Tier() types.Tier { return d.tier }

// Close shuts down the pool. Pools shared between tiers are closed once
// by the registry; Pool.Close is idempotent.
func (d *Browser) Close() error { return d.pool.Close() }

// Execute navigates a page to the URL, optionally sits through a
// challenge, and captures the settled document.
func (d *Browser) Execute(ctx context.Context, req *types.Request) (*types.Outcome, error) {
	start := time.Now()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b, release, err := d.browserFor(ctx, req)
	if err != nil {
		o := failedOutcome(d.tier, req.ProxyURL, start, err)
		o.ErrorKind = types.ErrKindDriverCrash
		return o, nil
	}
	defer release()

	page, err := browser.NewPage(b, d.stealthPage)
	if err != nil {
		o := failedOutcome(d.tier, req.ProxyURL, start, err)
		o.ErrorKind = types.ErrKindDriverCrash
		return o, nil
	}
	defer page.Close()

	ua := d.userAgent
	if v := req.Headers["User-Agent"]; v != "" {
		ua = v
	}
	if err := browser.SetUserAgent(page, ua); err != nil {
		log.Warn().Err(err).Msg("Failed to set user agent")
	}

	if user, pass, ok := security.ProxyCredentials(req.ProxyURL); ok {
		cleanup, err := browser.SetupProxyAuth(ctx, page, user, pass)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up proxy auth")
		}
		defer cleanup()
	}

	if req.BlockImages || d.blockImages {
		cleanup, err := browser.BlockImages(ctx, page)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to enable image blocking")
		}
		defer cleanup()
	}

	if err := browser.SetCookies(page, req.URL, req.Cookies); err != nil {
		log.Warn().Err(err).Msg("Failed to set cookies")
	}

	capture, captureCleanup := watchResponses(ctx, page)
	defer captureCleanup()

	if err := page.Context(ctx).Navigate(req.URL); err != nil {
		return failedOutcome(d.tier, req.ProxyURL, start, err), nil
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		log.Debug().Err(err).Msg("WaitLoad failed, continuing")
	}

	settled := d.sitThroughChallenge(ctx, page)

	if settled {
		if err := browser.WaitFor(ctx, page, req.WaitSelector, req.WaitDelay); err != nil {
			log.Debug().Err(err).Msg("Wait condition not met")
		}
	}

	return d.buildOutcome(page, req, capture, start, settled), nil
}

// browserFor picks a pooled browser, or spawns a dedicated one when the
// request carries its own proxy.
func (d *Browser) browserFor(ctx context.Context, req *types.Request) (*rod.Browser, func(), error) {
	if req.ProxyURL != "" {
		b, err := d.pool.SpawnWithProxy(ctx, req.ProxyURL)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}
	b, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return b, func() { d.pool.Release(b) }, nil
}

// sitThroughChallenge polls the page until challenge indicators clear
// or the context expires. Returns true when the page settled. Tiers
// that do not sit treat the loaded page as settled and let the caller
// act on whatever challenge the body carries.
func (d *Browser) sitThroughChallenge(ctx context.Context, page *rod.Page) bool {
	if !d.sitChallenge {
		return true
	}
	if d.challengeWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.challengeWait)
		defer cancel()
	}
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		title := pageTitle(page)
		selector := findChallengeSelector(page)

		if !markers.TitleIsChallenge(title) && selector == "" {
			return true
		}

		log.Debug().
			Str("title", title).
			Str("selector", selector).
			Msg("Challenge still in progress")

		if d.clickTurnstile && selector == "#turnstile-wrapper" {
			if err := solveTurnstile(ctx, page); err != nil {
				log.Debug().Err(err).Msg("Turnstile click attempt failed")
			}
		}

		// Jittered cadence; fixed polling is itself a bot signal.
		if !sleepWithContext(ctx, humanize.PollInterval()) {
			return false
		}
	}
}

// buildOutcome captures the settled page into an outcome.
func (d *Browser) buildOutcome(page *rod.Page, req *types.Request, capture *responseCapture, start time.Time, settled bool) *types.Outcome {
	html, err := page.HTML()
	if err != nil {
		o := failedOutcome(d.tier, req.ProxyURL, start, err)
		o.ErrorKind = types.ErrKindDriverCrash
		return o
	}
	body := []byte(html)
	if len(body) > maxBodySize {
		body = body[:maxBodySize]
	}

	cookies, err := browser.Cookies(page)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cookies")
	}

	finalURL := req.URL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	status := capture.StatusCode()
	headers := capture.Headers()

	o := &types.Outcome{
		OK:          settled && status >= 200 && status < 300,
		Status:      status,
		Body:        body,
		ContentType: headers["content-type"],
		Elapsed:     time.Since(start),
		Tier:        d.tier,
		ProxyURL:    req.ProxyURL,
		FinalURL:    finalURL,
		Cookies:     cookies,
		UserAgent:   d.userAgent,
		RetryAfter:  parseRetryAfter(headers["retry-after"]),
		RespHeaders: headers,
	}
	o.Challenge = markers.DetectBody(body)
	if !settled {
		o.OK = false
		if o.Challenge == types.ChallengeNone {
			o.ErrorKind = types.ErrKindTimeout
			o.Message = "challenge did not settle before deadline"
		}
	}

	log.Debug().
		Int("status", status).
		Bool("settled", settled).
		Str("challenge", string(o.Challenge)).
		Dur("elapsed", o.Elapsed).
		Msg("Browser attempt complete")
	return o
}

func pageTitle(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return ""
	}
	return info.Title
}

func findChallengeSelector(page *rod.Page) string {
	for _, selector := range markers.ChallengeSelectors {
		if has, _, _ := page.Has(selector); has {
			return selector
		}
	}
	return ""
}

// sleepWithContext sleeps d or until ctx cancels; false on cancel.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// responseCapture records the status and headers of the last Document
// response seen on the page. Redirect chains overwrite earlier entries,
// leaving the final response.
type responseCapture struct {
	mu      sync.RWMutex
	status  int
	headers map[string]string
}

func (c *responseCapture) set(status int, headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
	c.headers = headers
}

// StatusCode returns the captured status, defaulting to 200 when no
// Document response was observed.
func (c *responseCapture) StatusCode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.status == 0 {
		return 200
	}
	return c.status
}

// Headers returns a copy of the captured headers with lowercased keys.
func (c *responseCapture) Headers() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		out[strings.ToLower(k)] = v
	}
	return out
}

// watchResponses subscribes to Network events on the page and captures
// Document responses. The returned cleanup stops the listener; call it
// before closing the page.
func watchResponses(ctx context.Context, page *rod.Page) (*responseCapture, func()) {
	capture := &responseCapture{headers: map[string]string{}}

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		log.Debug().Err(err).Msg("Failed to enable network capture")
		return capture, func() {}
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Msg("Recovered panic in response capture listener")
			}
		}()
		pageCtx.EachEvent(func(e *proto.NetworkResponseReceived) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
				return false
			}
			headers := make(map[string]string, len(e.Response.Headers))
			for key, value := range e.Response.Headers {
				if len(headers) >= maxCapturedHeaders {
					break
				}
				headers[key] = value.Str()
			}
			capture.set(e.Response.Status, headers)
			return false
		})()
	}()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for response capture listener")
			}
			if err := (proto.NetworkDisable{}).Call(page); err != nil {
				log.Debug().Err(err).Msg("Failed to disable network capture")
			}
		})
	}
	return capture, cleanup
}
