// Package driver implements the acquisition tiers. Each driver takes a
// request and produces a raw outcome; it never classifies or retries.
// T1 is an impersonating TLS client, T2 a browser-like HTTP stack, and
// T3 through T5 are pooled Chrome instances with increasing hardening.
package driver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

// maxBodySize caps captured bodies to keep a hostile origin from
// exhausting memory.
const maxBodySize = 10 * 1024 * 1024

// Driver executes one acquisition attempt at its tier.
type Driver interface {
	Tier() types.Tier
	Execute(ctx context.Context, req *types.Request) (*types.Outcome, error)
	Close() error
}

// Registry maps tiers to their drivers.
type Registry struct {
	drivers map[types.Tier]Driver
}

// NewRegistry builds a registry from the given drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[types.Tier]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Tier()] = d
	}
	return r
}

// For returns the driver for a tier, or nil when the tier has none.
func (r *Registry) For(tier types.Tier) Driver {
	return r.drivers[tier]
}

// Close shuts down every registered driver.
func (r *Registry) Close() error {
	var first error
	for _, d := range r.drivers {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// errorKindOf maps a transport error onto the outcome taxonomy.
func errorKindOf(err error) types.ErrorKind {
	if err == nil {
		return types.ErrKindNone
	}
	if errors.Is(err, context.Canceled) {
		return types.ErrKindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrKindTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return types.ErrKindDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ErrKindTimeout
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such host"):
		return types.ErrKindDNS
	case strings.Contains(msg, "tls:") || strings.Contains(msg, "certificate"):
		return types.ErrKindTLS
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset"):
		return types.ErrKindConnect
	}
	return types.ErrKindConnect
}

// failedOutcome builds the outcome for a transport-level failure.
func failedOutcome(tier types.Tier, proxyURL string, start time.Time, err error) *types.Outcome {
	return &types.Outcome{
		OK:        false,
		Tier:      tier,
		ProxyURL:  proxyURL,
		Elapsed:   time.Since(start),
		ErrorKind: errorKindOf(err),
		Message:   err.Error(),
	}
}

// parseRetryAfter reads a Retry-After header, either delta-seconds or
// an HTTP date.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// flattenHeaders keeps the first value of each header.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// cookieHeader renders request cookies as a Cookie header value.
func cookieHeader(cookies []types.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
