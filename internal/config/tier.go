package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TierSettings overrides per-tier driver tuning. Zero values mean "use
// the global default".
type TierSettings struct {
	// TimeoutSeconds bounds a single attempt on this tier.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// ChallengeWaitSeconds bounds how long the driver sits through a
	// challenge before giving up on the page settling.
	ChallengeWaitSeconds int `yaml:"challenge_wait_seconds"`
	// Retries overrides how many transient retries burn at this tier
	// before the verdict hardens.
	Retries *int `yaml:"retries"`
	// UserAgent overrides the global user agent for this tier.
	UserAgent string `yaml:"user_agent"`
	// Fingerprint pins the T1 TLS profile by name ("chrome",
	// "firefox", "safari"). Empty rotates the pool per request.
	Fingerprint string `yaml:"fingerprint"`
	// Headless overrides the global headless setting for the browser
	// pool serving this tier.
	Headless *bool `yaml:"headless"`
	// BlockImages blocks image loads on this tier's pages.
	BlockImages bool `yaml:"block_images"`
	// CFVerify, when set to false, skips sitting through a challenge
	// and returns the page as loaded.
	CFVerify *bool `yaml:"cf_verify"`
	// Disabled removes the tier from the ladder. Escalation skips it.
	Disabled bool `yaml:"disabled"`
}

// Timeout returns the configured attempt timeout, or fallback.
func (s TierSettings) Timeout(fallback time.Duration) time.Duration {
	if s.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// ChallengeWait returns the configured challenge wait, or fallback.
func (s TierSettings) ChallengeWait(fallback time.Duration) time.Duration {
	if s.ChallengeWaitSeconds <= 0 {
		return fallback
	}
	return time.Duration(s.ChallengeWaitSeconds) * time.Second
}

// RetryCount returns the configured transient retry budget, or fallback.
func (s TierSettings) RetryCount(fallback int) int {
	if s.Retries == nil || *s.Retries < 0 {
		return fallback
	}
	return *s.Retries
}

// HeadlessOr returns the headless override, or fallback when unset.
func (s TierSettings) HeadlessOr(fallback bool) bool {
	if s.Headless == nil {
		return fallback
	}
	return *s.Headless
}

// Verify reports whether the tier should sit through challenges.
// Defaults to true; only an explicit cf_verify: false disables it.
func (s TierSettings) Verify() bool {
	return s.CFVerify == nil || *s.CFVerify
}

// tierFile is the on-disk layout of the tier override file.
type tierFile struct {
	Tiers map[string]TierSettings `yaml:"tiers"`
}

// validTierNames guards against typos like "t1" or "T6" in the file.
var validTierNames = map[string]struct{}{
	"T1": {}, "T2": {}, "T3": {}, "T4": {}, "T5": {},
}

// LoadTierFile reads per-tier overrides from a YAML file. Unknown keys
// and unknown tier names are rejected so a typo cannot silently leave a
// tier on defaults. A missing path returns an empty map.
func LoadTierFile(path string) (map[string]TierSettings, error) {
	if path == "" {
		return map[string]TierSettings{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tier file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var parsed tierFile
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse tier file %s: %w", path, err)
	}

	for name := range parsed.Tiers {
		if _, ok := validTierNames[name]; !ok {
			return nil, fmt.Errorf("tier file %s: unknown tier %q", path, name)
		}
	}
	if parsed.Tiers == nil {
		parsed.Tiers = map[string]TierSettings{}
	}
	return parsed.Tiers, nil
}
