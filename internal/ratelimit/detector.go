// Package ratelimit detects origin-side throttling and blocking codes
// in response bodies. Cloudflare block pages carry a numeric error code
// whose meaning (throttle vs ban) decides how long the caller should
// back off and whether the exit proxy is burned.
package ratelimit

import (
	"regexp"
	"time"
)

// maxScanLen caps the body slice fed to the regexes. Block codes appear
// in the first few kilobytes; bounding the input also bounds regex
// backtracking on adversarial bodies.
const maxScanLen = 100 * 1024

// Category is the broad kind of origin-side block.
type Category string

// Block categories.
const (
	CategoryRateLimit    Category = "rate_limit"
	CategoryAccessDenied Category = "access_denied"
)

// Info describes a detected origin-side block.
type Info struct {
	Detected bool
	Code     string
	Category Category
	// Delay is the suggested wait before retrying through the same
	// exit. Zero when the block is not time-based.
	Delay time.Duration
}

type pattern struct {
	re       *regexp.Regexp
	code     string
	category Category
	delay    time.Duration
}

// patterns are ordered most-specific first; the first match wins. The
// character classes avoid `.` so HTML between the words cannot trigger
// quadratic backtracking.
var patterns = []pattern{
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1015`), "CF_1015", CategoryRateLimit, time.Minute},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1020`), "CF_1020", CategoryAccessDenied, 30 * time.Second},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}100[678]`), "CF_1006", CategoryAccessDenied, 30 * time.Second},
	{regexp.MustCompile(`(?i)error[^<]{0,10}code[^<]{0,5}:?\s{0,5}1012`), "CF_1012", CategoryAccessDenied, 30 * time.Second},
	{regexp.MustCompile(`(?i)rate[^<]{0,3}limit(ed|ing)?[^<]{0,10}(exceeded|reached)`), "RATE_LIMITED", CategoryRateLimit, 30 * time.Second},
	{regexp.MustCompile(`(?i)too many requests`), "TOO_MANY_REQUESTS", CategoryRateLimit, 30 * time.Second},
	{regexp.MustCompile(`(?i)retry[^<]{0,3}(again)?[^<]{0,3}later`), "RETRY_LATER", CategoryRateLimit, 15 * time.Second},
}

// Detect scans a response body for origin block codes.
func Detect(body []byte) Info {
	if len(body) == 0 {
		return Info{}
	}
	if len(body) > maxScanLen {
		body = body[:maxScanLen]
	}
	for _, p := range patterns {
		if p.re.Match(body) {
			return Info{
				Detected: true,
				Code:     p.code,
				Category: p.category,
				Delay:    p.delay,
			}
		}
	}
	return Info{}
}
