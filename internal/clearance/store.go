// Package clearance stores per-domain anti-bot clearance sessions: the
// cf_clearance cookie, the user agent it was minted under, and any
// companion cookies. A session is only valid when replayed with the
// same user agent, so the store keeps them together.
package clearance

import (
	"context"
	"time"

	"github.com/titanfetch/titan/internal/types"
)

// DefaultTTL is the lifetime of a stored clearance. Cloudflare
// clearances last about 30 minutes; expiring early avoids replaying a
// cookie the edge already rejects.
const DefaultTTL = 25 * time.Minute

// Store is a per-domain clearance cache. Get returns (nil, nil) on a
// miss; expired entries are misses. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, domain string) (*types.Session, error)
	Put(ctx context.Context, s *types.Session) error
	Delete(ctx context.Context, domain string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// NewSession builds a clearance session expiring after ttl.
func NewSession(domain, clearanceCookie, userAgent string, cookies map[string]string, ttl time.Duration) *types.Session {
	now := time.Now()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &types.Session{
		Domain:    domain,
		Clearance: clearanceCookie,
		UserAgent: userAgent,
		Cookies:   cookies,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Apply injects the stored clearance into a request: the cf_clearance
// cookie plus companions, and the user agent the clearance was minted
// under. Cookies already present on the request are not overwritten.
func Apply(s *types.Session, req *types.Request) {
	if s == nil {
		return
	}
	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	if s.UserAgent != "" {
		req.Headers["User-Agent"] = s.UserAgent
	}

	have := make(map[string]bool, len(req.Cookies))
	for _, c := range req.Cookies {
		have[c.Name] = true
	}
	if s.Clearance != "" && !have["cf_clearance"] {
		req.Cookies = append(req.Cookies, types.Cookie{Name: "cf_clearance", Value: s.Clearance})
	}
	for name, value := range s.Cookies {
		if name == "cf_clearance" || have[name] {
			continue
		}
		req.Cookies = append(req.Cookies, types.Cookie{Name: name, Value: value})
	}
}
