package browser

import (
	"context"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/security"
	"github.com/titanfetch/titan/internal/types"
)

// NewPage opens a page on the browser. Stealth pages carry the
// evasion patches (webdriver, plugins, WebGL vendor) injected before
// any navigation.
func NewPage(b *rod.Browser, stealthed bool) (*rod.Page, error) {
	if stealthed {
		return stealth.Page(b)
	}
	return b.Page(proto.TargetCreateTarget{URL: "about:blank"})
}

// SetUserAgent overrides the page user agent.
func SetUserAgent(page *rod.Page, userAgent string) error {
	if userAgent == "" {
		return nil
	}
	return proto.NetworkSetUserAgentOverride{UserAgent: userAgent}.Call(page)
}

// SetCookies installs request cookies on the page before navigation.
// Cookies without a domain are scoped to the target URL; explicit
// domains are clamped to the target host or a parent of it.
func SetCookies(page *rod.Page, targetURL string, cookies []types.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	targetHost := ""
	if u, err := url.Parse(targetURL); err == nil {
		targetHost = u.Hostname()
	}
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.Domain == "" {
			p.URL = targetURL
		} else {
			p.Domain = security.SanitizeCookieDomain(c.Domain, targetHost)
		}
		if p.Path == "" {
			p.Path = "/"
		}
		params = append(params, p)
	}
	return page.SetCookies(params)
}

// Cookies reads all cookies visible to the page.
func Cookies(page *rod.Page) ([]types.Cookie, error) {
	raw, err := page.Cookies(nil)
	if err != nil {
		return nil, err
	}
	out := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, types.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
		})
	}
	return out, nil
}

// SetupProxyAuth answers proxy authentication challenges with the
// given credentials. Returns a cleanup func that stops the listener;
// call it before closing the page.
func SetupProxyAuth(ctx context.Context, page *rod.Page, username, password string) (func(), error) {
	if username == "" {
		return func() {}, nil
	}
	if err := (proto.FetchEnable{HandleAuthRequests: true}).Call(page); err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageCtx := page.Context(listenerCtx)

	go func() {
		pageCtx.EachEvent(func(e *proto.FetchAuthRequired) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchContinueWithAuth{
				RequestID: e.RequestID,
				AuthChallengeResponse: &proto.FetchAuthChallengeResponse{
					Response: proto.FetchAuthChallengeResponseResponseProvideCredentials,
					Username: username,
					Password: password,
				},
			}.Call(page)
			return false
		})()
	}()
	go func() {
		pageCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			if e.ResponseStatusCode == nil {
				_ = proto.FetchContinueRequest{RequestID: e.RequestID}.Call(page)
			}
			return false
		})()
	}()

	return cancel, nil
}

// BlockImages rejects image requests to cut bandwidth on content-only
// acquisitions. Returns a cleanup func that stops the interceptor.
func BlockImages(ctx context.Context, page *rod.Page) (func(), error) {
	patterns := []*proto.FetchRequestPattern{}
	for _, ext := range []string{"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico"} {
		patterns = append(patterns, &proto.FetchRequestPattern{
			URLPattern:   ext,
			ResourceType: proto.NetworkResourceTypeImage,
		})
	}
	if err := (proto.FetchEnable{Patterns: patterns}).Call(page); err != nil {
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageCtx := page.Context(listenerCtx)
	go func() {
		pageCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(page)
			return false
		})()
	}()
	return cancel, nil
}

// WaitFor honors a request's waiting condition: a selector appearing
// or a fixed delay.
func WaitFor(ctx context.Context, page *rod.Page, selector string, delay time.Duration) error {
	if selector != "" {
		el := page.Context(ctx).Timeout(30 * time.Second)
		if _, err := el.Element(selector); err != nil {
			log.Debug().Str("selector", selector).Err(err).Msg("Wait selector did not appear")
			return err
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
