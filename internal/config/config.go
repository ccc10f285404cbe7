// Package config provides application configuration management.
// Configuration is loaded from environment variables at startup; tier
// overrides come from an optional YAML file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Configuration upper bounds to prevent resource exhaustion.
const (
	maxPoolSize       = 20
	maxRateLimitRPM   = 10000
	maxOverall        = 30 * time.Minute
	maxAttemptTimeout = 10 * time.Minute
	minAPIKeyLength   = 16
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Host           string
	Port           int
	RequestTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string // "json" or "console"

	// Browser settings
	Headless         bool
	BrowserPath      string
	IgnoreCertErrors bool
	StealthPoolSize  int
	CovertPoolSize   int

	// Driver settings
	UserAgent     string
	TierFile      string        // optional YAML per-tier overrides
	ChallengeWait time.Duration // default sit-through budget per attempt

	// Escalation settings
	StartTier         int
	AttemptTimeout    time.Duration
	OverallDeadline   time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	TaskPriority      int
	MaxConcurrentJobs int

	// Session store
	SessionBackend         string // "memory" or "redis"
	SessionTTL             time.Duration
	SessionCleanupInterval time.Duration
	RedisAddr              string
	RedisPassword          string
	RedisDB                int

	// Manual-solve queue
	QueuePath          string
	TaskTTL            time.Duration
	AssignmentTimeout  time.Duration
	QueueSweepInterval time.Duration
	MaxSolveAttempts   int

	// Proxy rotation
	ProxyListPath       string
	RotationStrategy    string // "round-robin", "random" or "sticky"
	ProxyCooldown       time.Duration
	ProxyBanPeriod      time.Duration
	ProxyStickyTTL      time.Duration
	ProxyMaxFails       int
	ProxyFallbackDirect bool
	AllowLocalProxies   bool

	// Security
	APIKey             string
	RateLimitEnabled   bool
	RateLimitRPM       int
	TrustProxy         bool
	CORSAllowedOrigins []string
}

// Load loads configuration from environment variables.
// Returns a Config with values from environment or sensible defaults.
func Load() *Config {
	return &Config{
		// Server - default to localhost so a bare start is not exposed.
		// Set HOST=0.0.0.0 explicitly to bind to all interfaces.
		Host:           getEnvString("HOST", "127.0.0.1"),
		Port:           getEnvInt("PORT", 8080),
		RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "json"),

		Headless:         getEnvBool("HEADLESS", true),
		BrowserPath:      getEnvString("BROWSER_PATH", ""),
		IgnoreCertErrors: getEnvBool("IGNORE_CERT_ERRORS", false),
		StealthPoolSize:  getEnvInt("STEALTH_POOL_SIZE", 3),
		CovertPoolSize:   getEnvInt("COVERT_POOL_SIZE", 1),

		UserAgent:     getEnvString("USER_AGENT", ""),
		TierFile:      getEnvString("TIER_FILE", ""),
		ChallengeWait: getEnvDuration("CHALLENGE_WAIT", 30*time.Second),

		StartTier:         getEnvInt("START_TIER", 1),
		AttemptTimeout:    getEnvDuration("ATTEMPT_TIMEOUT", 60*time.Second),
		OverallDeadline:   getEnvDuration("OVERALL_DEADLINE", 10*time.Minute),
		BackoffBase:       getEnvDuration("BACKOFF_BASE", 500*time.Millisecond),
		BackoffCap:        getEnvDuration("BACKOFF_CAP", 8*time.Second),
		TaskPriority:      getEnvInt("TASK_PRIORITY", 0),
		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 8),

		SessionBackend:         getEnvString("SESSION_BACKEND", "memory"),
		SessionTTL:             getEnvDuration("SESSION_TTL", 25*time.Minute),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Minute),
		RedisAddr:              getEnvString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:          getEnvString("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),

		QueuePath:          getEnvString("QUEUE_PATH", "titan-tasks.db"),
		TaskTTL:            getEnvDuration("TASK_TTL", 30*time.Minute),
		AssignmentTimeout:  getEnvDuration("ASSIGNMENT_TIMEOUT", 5*time.Minute),
		QueueSweepInterval: getEnvDuration("QUEUE_SWEEP_INTERVAL", 30*time.Second),
		MaxSolveAttempts:   getEnvInt("MAX_SOLVE_ATTEMPTS", 3),

		ProxyListPath:       getEnvString("PROXY_LIST_PATH", ""),
		RotationStrategy:    getEnvString("ROTATION_STRATEGY", "round-robin"),
		ProxyCooldown:       getEnvDuration("PROXY_COOLDOWN", 5*time.Minute),
		ProxyBanPeriod:      getEnvDuration("PROXY_BAN_PERIOD", time.Hour),
		ProxyStickyTTL:      getEnvDuration("PROXY_STICKY_TTL", 30*time.Minute),
		ProxyMaxFails:       getEnvInt("PROXY_MAX_FAILS", 5),
		ProxyFallbackDirect: getEnvBool("PROXY_FALLBACK_DIRECT", true),
		AllowLocalProxies:   getEnvBool("ALLOW_LOCAL_PROXIES", false),

		APIKey:             getEnvString("API_KEY", ""),
		RateLimitEnabled:   getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:       getEnvInt("RATE_LIMIT_RPM", 60),
		TrustProxy:         getEnvBool("TRUST_PROXY", false),
		CORSAllowedOrigins: getEnvStringSlice("CORS_ALLOWED_ORIGINS", nil),
	}
}

// Validate checks configuration values and logs warnings for invalid
// values. Invalid values are corrected to sensible defaults.
func (c *Config) Validate() {
	if c.Port < 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default 8080")
		c.Port = 8080
	}

	if c.BrowserPath != "" && strings.Contains(c.BrowserPath, "..") {
		log.Error().Str("path", c.BrowserPath).Msg("BROWSER_PATH contains path traversal sequence, ignoring")
		c.BrowserPath = ""
	}

	if c.StealthPoolSize < 1 {
		log.Warn().Int("size", c.StealthPoolSize).Msg("Invalid stealth pool size, using 3")
		c.StealthPoolSize = 3
	} else if c.StealthPoolSize > maxPoolSize {
		log.Warn().Int("size", c.StealthPoolSize).Int("max", maxPoolSize).Msg("Stealth pool too large, capping")
		c.StealthPoolSize = maxPoolSize
	}
	if c.CovertPoolSize < 1 {
		log.Warn().Int("size", c.CovertPoolSize).Msg("Invalid covert pool size, using 1")
		c.CovertPoolSize = 1
	} else if c.CovertPoolSize > maxPoolSize {
		log.Warn().Int("size", c.CovertPoolSize).Int("max", maxPoolSize).Msg("Covert pool too large, capping")
		c.CovertPoolSize = maxPoolSize
	}

	if c.StartTier < 1 || c.StartTier > 5 {
		log.Warn().Int("tier", c.StartTier).Msg("START_TIER out of range, using 1")
		c.StartTier = 1
	}

	if c.AttemptTimeout < time.Second {
		log.Warn().Dur("timeout", c.AttemptTimeout).Msg("Attempt timeout too short, using 60s")
		c.AttemptTimeout = 60 * time.Second
	} else if c.AttemptTimeout > maxAttemptTimeout {
		log.Warn().Dur("timeout", c.AttemptTimeout).Dur("max", maxAttemptTimeout).Msg("Attempt timeout too long, capping")
		c.AttemptTimeout = maxAttemptTimeout
	}
	if c.ChallengeWait <= 0 {
		c.ChallengeWait = 30 * time.Second
	} else if c.ChallengeWait > c.AttemptTimeout {
		log.Warn().Dur("wait", c.ChallengeWait).Msg("Challenge wait above attempt timeout, capping")
		c.ChallengeWait = c.AttemptTimeout
	}
	if c.OverallDeadline < c.AttemptTimeout {
		log.Warn().Dur("deadline", c.OverallDeadline).Msg("Overall deadline below attempt timeout, using 10m")
		c.OverallDeadline = 10 * time.Minute
	} else if c.OverallDeadline > maxOverall {
		log.Warn().Dur("deadline", c.OverallDeadline).Dur("max", maxOverall).Msg("Overall deadline too long, capping")
		c.OverallDeadline = maxOverall
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap < c.BackoffBase {
		log.Warn().Dur("cap", c.BackoffCap).Msg("Backoff cap below base, using 8s")
		c.BackoffCap = 8 * time.Second
	}

	if c.MaxConcurrentJobs < 1 {
		log.Warn().Int("jobs", c.MaxConcurrentJobs).Msg("Invalid job concurrency, using 8")
		c.MaxConcurrentJobs = 8
	}

	switch strings.ToLower(c.SessionBackend) {
	case "memory", "redis":
		c.SessionBackend = strings.ToLower(c.SessionBackend)
	default:
		log.Warn().Str("backend", c.SessionBackend).Msg("Unknown SESSION_BACKEND, using memory")
		c.SessionBackend = "memory"
	}

	const minSessionTTL = time.Minute
	const maxSessionTTL = 24 * time.Hour
	if c.SessionTTL < minSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("Session TTL too short, using minimum")
		c.SessionTTL = minSessionTTL
	} else if c.SessionTTL > maxSessionTTL {
		log.Warn().Dur("ttl", c.SessionTTL).Msg("Session TTL too long, using maximum")
		c.SessionTTL = maxSessionTTL
	}
	if c.SessionCleanupInterval < 10*time.Second {
		log.Warn().Dur("interval", c.SessionCleanupInterval).Msg("Session cleanup interval too short, using 10s")
		c.SessionCleanupInterval = 10 * time.Second
	}

	if c.MaxSolveAttempts < 1 {
		c.MaxSolveAttempts = 1
	} else if c.MaxSolveAttempts > 10 {
		log.Warn().Int("attempts", c.MaxSolveAttempts).Msg("MAX_SOLVE_ATTEMPTS too high, capping at 10")
		c.MaxSolveAttempts = 10
	}

	switch strings.ToLower(c.RotationStrategy) {
	case "round-robin", "random", "sticky":
		c.RotationStrategy = strings.ToLower(c.RotationStrategy)
	default:
		log.Warn().Str("strategy", c.RotationStrategy).Msg("Unknown ROTATION_STRATEGY, using round-robin")
		c.RotationStrategy = "round-robin"
	}
	if c.ProxyMaxFails < 1 {
		c.ProxyMaxFails = 5
	}

	if c.RateLimitEnabled {
		if c.RateLimitRPM < 1 {
			log.Warn().Int("rpm", c.RateLimitRPM).Msg("Invalid rate limit, using 60 RPM")
			c.RateLimitRPM = 60
		} else if c.RateLimitRPM > maxRateLimitRPM {
			log.Warn().Int("rpm", c.RateLimitRPM).Int("max", maxRateLimitRPM).Msg("Rate limit too high, capping")
			c.RateLimitRPM = maxRateLimitRPM
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		log.Warn().Str("level", c.LogLevel).Msg("Invalid log level, using 'info'")
		c.LogLevel = "info"
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		log.Warn().Str("format", c.LogFormat).Msg("Invalid log format, using 'json'")
		c.LogFormat = "json"
	}

	if c.APIKey != "" && len(c.APIKey) < minAPIKeyLength {
		log.Error().
			Int("length", len(c.APIKey)).
			Int("min_required", minAPIKeyLength).
			Msg("API_KEY is too short for secure authentication - consider using a longer key")
	}

	if c.ProxyListPath != "" {
		if _, err := os.Stat(c.ProxyListPath); os.IsNotExist(err) {
			log.Warn().Str("path", c.ProxyListPath).Msg("PROXY_LIST_PATH does not exist - watcher will wait for file creation")
		}
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		intValue, err := strconv.ParseInt(value, 10, 32)
		if err == nil {
			return int(intValue)
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		boolValue, err := strconv.ParseBool(value)
		if err == nil {
			return boolValue
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Err(err).
			Bool("default", defaultValue).
			Msg("Invalid boolean in environment variable, using default")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		duration, err := time.ParseDuration(value)
		if err == nil && duration > 0 {
			return duration
		}
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
