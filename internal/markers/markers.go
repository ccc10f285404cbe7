// Package markers provides challenge-marker detection for responses from
// hostile origins. A marker is a header, cookie, or body sentinel that
// indicates the response is a bot-mitigation challenge rather than the
// requested content.
package markers

import (
	"embed"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/titanfetch/titan/internal/types"
)

//go:embed markers.yaml
var defaultMarkersFS embed.FS

// maxBodyScanLen limits how much of a body is scanned for markers.
// Challenge sentinels appear early; scanning megabytes is wasted work.
const maxBodyScanLen = 256 * 1024

// Markers contains all challenge detection sentinel strings.
type Markers struct {
	Interstitial []string `yaml:"interstitial"`
	Turnstile    []string `yaml:"turnstile"`
	HCaptcha     []string `yaml:"hcaptcha"`
	ReCaptcha    []string `yaml:"recaptcha"`
	WAFBlock     []string `yaml:"waf_block"`
	RateLimit    []string `yaml:"rate_limit"`
}

var (
	instance *Markers
	once     sync.Once
)

// Get returns the singleton Markers instance loaded from the embedded
// markers.yaml file.
func Get() *Markers {
	once.Do(func() {
		m, err := load()
		if err != nil {
			log.Error().Err(err).Msg("Failed to load markers, using built-in defaults")
			m = defaultMarkers()
		}
		instance = m
	})
	return instance
}

func load() (*Markers, error) {
	data, err := defaultMarkersFS.ReadFile("markers.yaml")
	if err != nil {
		return nil, err
	}

	var m Markers
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}

	log.Debug().
		Int("interstitial", len(m.Interstitial)).
		Int("turnstile", len(m.Turnstile)).
		Int("waf_block", len(m.WAFBlock)).
		Msg("Challenge markers loaded")

	return &m, nil
}

// defaultMarkers returns hardcoded fallback sentinels.
func defaultMarkers() *Markers {
	return &Markers{
		Interstitial: []string{"just a moment", "checking your browser", "__cf_chl_opt"},
		Turnstile:    []string{"cf-turnstile", "challenges.cloudflare.com/turnstile"},
		HCaptcha:     []string{"h-captcha", "hcaptcha.com/1/api.js"},
		ReCaptcha:    []string{"g-recaptcha", "www.google.com/recaptcha"},
		WAFBlock:     []string{"access denied", "you have been blocked"},
		RateLimit:    []string{"error 1015", "too many requests"},
	}
}

// containsAny reports whether body contains any of the sentinels.
// body must already be lowercased.
func containsAny(body string, sentinels []string) bool {
	for _, s := range sentinels {
		if strings.Contains(body, s) {
			return true
		}
	}
	return false
}

// DetectBody classifies the challenge kind present in a response body.
// Precedence: an interactive widget (Turnstile, hCaptcha, reCAPTCHA)
// outranks the generic interstitial, which outranks block pages; many
// interstitials embed a Turnstile widget and must be treated as one.
func DetectBody(body []byte) types.ChallengeKind {
	if len(body) == 0 {
		return types.ChallengeNone
	}
	if len(body) > maxBodyScanLen {
		body = body[:maxBodyScanLen]
	}
	lower := strings.ToLower(string(body))
	m := Get()

	switch {
	case containsAny(lower, m.Turnstile):
		return types.ChallengeTurnstile
	case containsAny(lower, m.HCaptcha):
		return types.ChallengeHCaptcha
	case containsAny(lower, m.ReCaptcha):
		return types.ChallengeReCaptcha
	case containsAny(lower, m.Interstitial):
		return types.ChallengeInterstitial
	case containsAny(lower, m.RateLimit):
		return types.ChallengeRateLimit
	case containsAny(lower, m.WAFBlock):
		return types.ChallengeWAFBlock
	}
	return types.ChallengeNone
}

// CloudflareHeaders reports whether the response headers carry
// Cloudflare mitigation fingerprints (cf-mitigated, cf-ray).
func CloudflareHeaders(headers map[string]string) bool {
	for k := range headers {
		switch strings.ToLower(k) {
		case "cf-mitigated", "cf-ray", "cf-cache-status":
			return true
		}
	}
	return false
}

// ChallengeTitles are page titles that indicate an in-progress
// challenge when observed through a browser tier.
var ChallengeTitles = []string{
	"just a moment",
	"checking your browser",
	"ddos-guard",
	"please wait",
	"attention required",
}

// ChallengeSelectors are DOM selectors that indicate an in-progress
// challenge when observed through a browser tier.
var ChallengeSelectors = []string{
	"#cf-challenge-running",
	".ray_id",
	"#turnstile-wrapper",
	"#cf-wrapper",
	"#challenge-running",
	"#challenge-stage",
	"#cf-spinner-please-wait",
	"#cf-spinner-redirecting",
}

// TurnstileFramePattern matches the src of the Turnstile widget iframe.
const TurnstileFramePattern = "challenges.cloudflare.com"

// TurnstileHostSelectors locate the widget's shadow host element in the
// top document.
var TurnstileHostSelectors = []string{
	"#turnstile-wrapper",
	".cf-turnstile",
	"[data-sitekey]",
}

// TurnstileWidgetSelectors are selectors tried inside the Turnstile
// frame when clicking the checkbox.
var TurnstileWidgetSelectors = []string{
	"input[type='checkbox']",
	".cf-turnstile-response",
	"#cf-turnstile-response",
}

// TitleIsChallenge reports whether a page title matches a known
// challenge title.
func TitleIsChallenge(title string) bool {
	lower := strings.ToLower(title)
	for _, t := range ChallengeTitles {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}
