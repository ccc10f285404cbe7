// Package main provides the entry point for the Titan acquisition
// engine.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/browser"
	"github.com/titanfetch/titan/internal/captchaq"
	"github.com/titanfetch/titan/internal/clearance"
	"github.com/titanfetch/titan/internal/config"
	"github.com/titanfetch/titan/internal/driver"
	"github.com/titanfetch/titan/internal/handlers"
	"github.com/titanfetch/titan/internal/jobs"
	"github.com/titanfetch/titan/internal/metrics"
	"github.com/titanfetch/titan/internal/middleware"
	"github.com/titanfetch/titan/internal/orchestrator"
	"github.com/titanfetch/titan/internal/proxy"
	"github.com/titanfetch/titan/internal/types"
	"github.com/titanfetch/titan/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	cfg.Validate()

	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting Titan")

	tiers, err := config.LoadTierFile(cfg.TierFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load tier overrides")
	}

	ctx := context.Background()

	// Session store: per-domain clearance cache.
	var sessions clearance.Store
	if cfg.SessionBackend == "redis" {
		sessions, err = clearance.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to connect to redis")
		}
	} else {
		sessions = clearance.NewMemoryStore(cfg.SessionCleanupInterval)
	}

	// Manual-solve queue.
	queue, err := captchaq.Open(cfg.QueuePath, captchaq.Config{
		TaskTTL:           cfg.TaskTTL,
		AssignmentTimeout: cfg.AssignmentTimeout,
		MaxAttempts:       cfg.MaxSolveAttempts,
		SweepInterval:     cfg.QueueSweepInterval,
	}, sessions)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.QueuePath).Msg("Failed to open CAPTCHA queue")
	}

	// Proxy pool, hot-reloaded from disk when a list path is set.
	var proxyURLs []string
	if cfg.ProxyListPath != "" {
		proxyURLs, err = proxy.LoadList(cfg.ProxyListPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.ProxyListPath).Msg("Proxy list not loadable, starting with empty pool")
		}
	}
	rotator := proxy.NewRotator(proxyURLs, proxy.Config{
		Strategy:       proxy.Strategy(cfg.RotationStrategy),
		CoolingPeriod:  cfg.ProxyCooldown,
		BanPeriod:      cfg.ProxyBanPeriod,
		StickyTTL:      cfg.ProxyStickyTTL,
		MaxFails:       cfg.ProxyMaxFails,
		FallbackDirect: cfg.ProxyFallbackDirect,
	})
	var watcher *proxy.Watcher
	if cfg.ProxyListPath != "" {
		watcher, err = proxy.NewWatcher(rotator, cfg.ProxyListPath)
		if err != nil {
			log.Warn().Err(err).Msg("Proxy list watcher unavailable, list is static")
		}
	}

	rec := metrics.NewRecorder()
	rec.SetBuildInfo(version.Full(), version.GoVersion())
	rec.SetProxiesHealthy(rotator.HealthyCount())

	// Browser pools. The stealth pool serves T2 and T3, the covert
	// pool serves T4 and T5.
	log.Info().Msg("Warming browser pools...")
	poolOpts := browser.Options{
		Headless:         cfg.Headless,
		BrowserPath:      cfg.BrowserPath,
		IgnoreCertErrors: cfg.IgnoreCertErrors,
	}
	stealthOpts := poolOpts
	stealthOpts.PoolSize = cfg.StealthPoolSize
	stealthOpts.Headless = headlessFor(cfg.Headless, tiers, types.TierLightweight, types.TierCDP)
	stealthPool, err := browser.NewPool(stealthOpts, browser.ProfileStealth)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start stealth browser pool")
	}
	covertOpts := poolOpts
	covertOpts.PoolSize = cfg.CovertPoolSize
	covertOpts.Headless = headlessFor(cfg.Headless, tiers, types.TierCovert, types.TierClicker)
	covertPool, err := browser.NewPool(covertOpts, browser.ProfileCovert)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start covert browser pool")
	}
	rec.SetPool(stealthPool.Size()+covertPool.Size(), stealthPool.Available()+covertPool.Available())

	registry := driver.NewRegistry(buildDrivers(cfg, tiers, stealthPool, covertPool)...)

	orch := orchestrator.New(orchestrator.Config{
		StartTier:       types.Tier(cfg.StartTier),
		AttemptTimeout:  cfg.AttemptTimeout,
		OverallDeadline: cfg.OverallDeadline,
		BackoffBase:     cfg.BackoffBase,
		BackoffCap:      cfg.BackoffCap,
		TaskPriority:    cfg.TaskPriority,
		SessionTTL:      cfg.SessionTTL,
		RetriesByTier:   retriesByTier(tiers),
	}, registry, rotator, sessions, queue, rec)

	jobRegistry := jobs.NewRegistry(orch, cfg.MaxConcurrentJobs)

	handler := handlers.New(jobRegistry, queue, sessions, rotator, rec)

	// Middleware chain, outermost first.
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
		middleware.APIKey(cfg.APIKey),
	}
	var limiter *middleware.RateLimiter
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		limiter = middleware.NewRateLimiter(cfg.RateLimitRPM, time.Minute, cfg.TrustProxy)
		chain = append(chain, limiter.Handler())
	}
	chain = append(chain, middleware.Timeout(cfg.RequestTimeout))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      middleware.Chain(chain...)(handlers.Router(handler)),
		ReadTimeout:  cfg.RequestTimeout + 10*time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("stealth_pool", cfg.StealthPoolSize).
			Int("covert_pool", cfg.CovertPoolSize).
			Int("proxies", rotator.HealthyCount()).
			Msg("Titan is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Error().Err(err).Msg("Proxy watcher close error")
		}
	}
	if limiter != nil {
		limiter.Close()
	}

	// Let in-flight jobs cancel before tearing down their drivers.
	jobRegistry.Close()

	if err := registry.Close(); err != nil {
		log.Error().Err(err).Msg("Driver registry close error")
	}
	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("CAPTCHA queue close error")
	}
	if err := sessions.Close(); err != nil {
		log.Error().Err(err).Msg("Session store close error")
	}

	log.Info().Msg("Shutdown complete")
}

// buildDrivers assembles the tier ladder, honoring per-tier overrides.
func buildDrivers(cfg *config.Config, tiers map[string]config.TierSettings, stealthPool, covertPool *browser.Pool) []driver.Driver {
	timeout := func(t types.Tier) time.Duration {
		return tiers[t.String()].Timeout(cfg.AttemptTimeout)
	}
	ua := func(t types.Tier) string {
		if o := tiers[t.String()].UserAgent; o != "" {
			return o
		}
		return cfg.UserAgent
	}
	wait := func(t types.Tier) time.Duration {
		return tiers[t.String()].ChallengeWait(cfg.ChallengeWait)
	}
	sit := func(t types.Tier) bool {
		return tiers[t.String()].Verify()
	}
	blockImages := func(t types.Tier) bool {
		return tiers[t.String()].BlockImages
	}

	var drivers []driver.Driver
	add := func(t types.Tier, d driver.Driver) {
		if tiers[t.String()].Disabled {
			log.Warn().Str("tier", t.String()).Msg("Tier disabled by override file")
			return
		}
		drivers = append(drivers, d)
	}

	add(types.TierImpersonate, driver.NewImpersonate(
		timeout(types.TierImpersonate),
		ua(types.TierImpersonate),
		tiers[types.TierImpersonate.String()].Fingerprint,
	))

	promote := driver.NewBrowser(driver.BrowserOptions{
		Tier:        types.TierLightweight,
		Pool:        stealthPool,
		BlockImages: blockImages(types.TierLightweight),
		Timeout:     timeout(types.TierLightweight),
		UserAgent:   ua(types.TierLightweight),
	})
	add(types.TierLightweight, driver.NewLightweight(timeout(types.TierLightweight), ua(types.TierLightweight), promote))

	add(types.TierCDP, driver.NewBrowser(driver.BrowserOptions{
		Tier:          types.TierCDP,
		Pool:          stealthPool,
		StealthPage:   true,
		SitChallenge:  sit(types.TierCDP),
		ChallengeWait: wait(types.TierCDP),
		BlockImages:   blockImages(types.TierCDP),
		Timeout:       timeout(types.TierCDP),
		UserAgent:     ua(types.TierCDP),
	}))
	add(types.TierCovert, driver.NewBrowser(driver.BrowserOptions{
		Tier:          types.TierCovert,
		Pool:          covertPool,
		StealthPage:   true,
		SitChallenge:  sit(types.TierCovert),
		ChallengeWait: wait(types.TierCovert),
		BlockImages:   blockImages(types.TierCovert),
		Timeout:       timeout(types.TierCovert),
		UserAgent:     ua(types.TierCovert),
	}))
	add(types.TierClicker, driver.NewBrowser(driver.BrowserOptions{
		Tier:           types.TierClicker,
		Pool:           covertPool,
		StealthPage:    true,
		SitChallenge:   sit(types.TierClicker),
		ClickTurnstile: true,
		ChallengeWait:  wait(types.TierClicker),
		BlockImages:    blockImages(types.TierClicker),
		Timeout:        timeout(types.TierClicker),
		UserAgent:      ua(types.TierClicker),
	}))

	return drivers
}

// headlessFor resolves the headless setting for a pool from the tiers
// it serves; the first explicit override wins.
func headlessFor(fallback bool, tiers map[string]config.TierSettings, served ...types.Tier) bool {
	for _, t := range served {
		if tiers[t.String()].Headless != nil {
			return tiers[t.String()].HeadlessOr(fallback)
		}
	}
	return fallback
}

// retriesByTier collects per-tier transient retry overrides.
func retriesByTier(tiers map[string]config.TierSettings) map[types.Tier]int {
	out := make(map[types.Tier]int)
	for t := types.TierImpersonate; t <= types.MaxTier; t++ {
		s := tiers[t.String()]
		if s.Retries != nil {
			out[t] = s.RetryCount(0)
		}
	}
	return out
}

// setupLogging configures zerolog output and level.
func setupLogging(level, format string) {
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
