// Package browser manages pooled Chrome instances for the browser
// tiers. Browsers are launched once with anti-detection flags and
// reused across acquisitions; spawning Chrome per request would
// dominate tier latency.
package browser

import (
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/security"
)

// Profile selects the launch hardening level. Stealth covers the CDP
// tier; Covert layers AV-evasion flags on top for origins that
// fingerprint the renderer.
type Profile int

// Launch profiles.
const (
	ProfileStealth Profile = iota
	ProfileCovert
)

// Options holds browser launch settings shared by a pool.
type Options struct {
	PoolSize         int
	Headless         bool
	BrowserPath      string
	ProxyURL         string // pool-wide default, may be empty
	IgnoreCertErrors bool
}

// newLauncher builds a rod launcher with anti-detection flags. A fresh
// launcher is needed per launch; they are single-use.
func newLauncher(opts Options, profile Profile, proxyURL string) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	// A headed browser under Xvfb beats headless for detection; only
	// fall back to the new headless mode when no display exists.
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if proxyURL != "" {
		l = l.Set("proxy-server", proxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(proxyURL)).Msg("Browser proxy configured")
	}

	// WebRTC leaks the egress IP even through a proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// navigator.webdriver must stay undefined.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	l = l.Set("disable-features", "Translate,TranslateUI,BlinkGenPropertyTrees,WebRtcHideLocalIpsWithMdns")
	l = l.Set("enable-features", "NetworkService,NetworkServiceInProcess")

	// SwiftShader gives a plausible WebGL fingerprint on machines
	// without a GPU; an empty WebGL context is a detection signal.
	l = l.Set("use-gl", "swiftshader").
		Set("use-angle", "swiftshader").
		Set("enable-unsafe-swiftshader").
		Set("enable-webgl").
		Set("enable-webgl2")

	if opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors").
			Set("ignore-ssl-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding").
		Set("disable-gpu-sandbox")

	if profile == ProfileCovert {
		// Extra evasion for origins that probe the renderer: keep
		// timers honest in background tabs and drop client hints that
		// betray the environment.
		l = l.Set("disable-background-timer-throttling").
			Set("disable-backgrounding-occluded-windows").
			Set("disable-hang-monitor").
			Set("disable-client-side-phishing-detection").
			Set("disable-domain-reliability").
			Set("disable-breakpad")
	}

	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
		// Software compositing; --disable-gpu would kill SwiftShader.
		l = l.Set("disable-gpu-compositing")
	}

	return l
}
