package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/titanfetch/titan/internal/security"
	"github.com/titanfetch/titan/internal/types"
)

const (
	acquireTimeout  = 60 * time.Second
	maxBrowserAge   = 30 * time.Minute
	healthCheckTick = time.Minute
)

// Pool maintains a fixed set of launched browsers for one profile.
// Acquire blocks until a browser is free; Release returns it after
// closing its pages. Unhealthy or stale browsers are recycled.
//
// Lock ordering: mu before any slow I/O never; collect under mu, act
// outside it.
type Pool struct {
	opts    Profile
	options Options

	mu        sync.Mutex
	entries   []*entry
	available chan *rod.Browser
	closed    atomic.Bool

	availableCount atomic.Int32
	acquired       atomic.Int64
	recycled       atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type entry struct {
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
}

// NewPool launches opts.PoolSize browsers with the given profile and
// blocks until all are connected.
func NewPool(opts Options, profile Profile) (*Pool, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = 1
	}
	p := &Pool{
		opts:      profile,
		options:   opts,
		available: make(chan *rod.Browser, opts.PoolSize),
		entries:   make([]*entry, 0, opts.PoolSize),
		stopCh:    make(chan struct{}),
	}

	log.Info().
		Int("pool_size", opts.PoolSize).
		Bool("headless", opts.Headless).
		Int("profile", int(profile)).
		Msg("Warming browser pool")

	for i := 0; i < opts.PoolSize; i++ {
		b, err := p.spawn(context.Background(), opts.ProxyURL)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to spawn browser %d: %w", i, err)
		}
		p.entries = append(p.entries, &entry{browser: b, createdAt: time.Now()})
		p.available <- b
	}
	p.availableCount.Store(int32(opts.PoolSize))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.staleCheckRoutine()
	}()

	return p, nil
}

// spawn launches one browser and connects over CDP.
func (p *Pool) spawn(ctx context.Context, proxyURL string) (*rod.Browser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	l := newLauncher(p.options, p.opts, proxyURL)
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	if p.options.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}
	return b, nil
}

// SpawnWithProxy launches an unpooled browser routed through proxyURL.
// The caller owns it and must Close it.
func (p *Pool) SpawnWithProxy(ctx context.Context, proxyURL string) (*rod.Browser, error) {
	log.Debug().Str("proxy", security.RedactProxyURL(proxyURL)).Msg("Spawning browser with request proxy")
	return p.spawn(ctx, proxyURL)
}

// Acquire takes a browser from the pool, verifying it is responsive.
// The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*rod.Browser, error) {
	if p.closed.Load() {
		return nil, types.ErrDriverClosed
	}

	const maxRetries = 5
	for retry := 0; retry < maxRetries; retry++ {
		select {
		case b, ok := <-p.available:
			if !ok || p.closed.Load() {
				return nil, types.ErrDriverClosed
			}
			if !p.healthy(b) {
				log.Warn().Int("retry", retry).Msg("Unhealthy browser acquired, recycling")
				go p.recycle(b)
				continue
			}
			p.availableCount.Add(-1)
			p.acquired.Add(1)

			p.mu.Lock()
			for _, e := range p.entries {
				if e.browser == b {
					e.useCount.Add(1)
					break
				}
			}
			p.mu.Unlock()
			return b, nil

		case <-ctx.Done():
			return nil, ctx.Err()

		case <-time.After(acquireTimeout):
			return nil, fmt.Errorf("browser pool exhausted after %s", acquireTimeout)
		}
	}
	return nil, fmt.Errorf("all pooled browsers unhealthy after %d retries", maxRetries)
}

// Release returns a browser to the pool after closing its pages.
func (p *Pool) Release(b *rod.Browser) {
	if b == nil {
		return
	}
	if p.closed.Load() {
		_ = b.Close()
		return
	}

	cleanupFailed := false
	pages, err := b.Pages()
	if err != nil {
		cleanupFailed = true
	} else {
		for _, page := range pages {
			if err := page.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close page on release")
				cleanupFailed = true
			}
		}
	}
	if cleanupFailed {
		go p.recycle(b)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		_ = b.Close()
		return
	}
	select {
	case p.available <- b:
		p.availableCount.Add(1)
	default:
		log.Warn().Msg("Pool full on release, closing excess browser")
		_ = b.Close()
	}
}

// healthy probes the browser by opening and navigating a page.
func (p *Pool) healthy(b *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return false
	}
	defer page.Close()
	return page.Context(ctx).Navigate("about:blank") == nil
}

// recycle replaces a dead or stale browser with a fresh one. Must not
// be called with mu held.
func (p *Pool) recycle(old *rod.Browser) {
	if p.closed.Load() {
		return
	}
	p.recycled.Add(1)

	_ = old.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	fresh, err := p.spawn(ctx, p.options.ProxyURL)
	if err != nil {
		log.Error().Err(err).Msg("Failed to spawn replacement browser")
		p.removeEntry(old)
		return
	}

	p.mu.Lock()
	replaced := false
	for i, e := range p.entries {
		if e.browser == old {
			p.entries[i] = &entry{browser: fresh, createdAt: time.Now()}
			replaced = true
			break
		}
	}
	if !replaced || p.closed.Load() {
		p.mu.Unlock()
		_ = fresh.Close()
		return
	}
	select {
	case p.available <- fresh:
		p.availableCount.Add(1)
	default:
		_ = fresh.Close()
	}
	p.mu.Unlock()
}

func (p *Pool) removeEntry(old *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.browser == old {
			last := len(p.entries) - 1
			p.entries[i] = p.entries[last]
			p.entries = p.entries[:last]
			return
		}
	}
}

// staleCheckRoutine recycles browsers past maxBrowserAge. Long-lived
// Chrome processes accumulate memory and profile state.
func (p *Pool) staleCheckRoutine() {
	ticker := time.NewTicker(healthCheckTick)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.mu.Lock()
			now := time.Now()
			var stale []*rod.Browser
			for _, e := range p.entries {
				if now.Sub(e.createdAt) > maxBrowserAge {
					stale = append(stale, e.browser)
				}
			}
			p.mu.Unlock()

			for _, b := range stale {
				log.Info().Msg("Recycling stale browser")
				p.recycle(b)
			}
		}
	}
}

// Size returns the configured pool size.
func (p *Pool) Size() int { return p.options.PoolSize }

// Available returns how many browsers are idle.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// Close shuts every browser down. Safe to call multiple times.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	entries := make([]*entry, len(p.entries))
	copy(entries, p.entries)
	p.entries = nil
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, e := range entries {
		b := e.browser
		eg.Go(func() error {
			return b.Close()
		})
	}
	err := eg.Wait()

	for b := range p.available {
		if b != nil {
			_ = b.Close()
		}
	}

	log.Info().
		Int64("acquired", p.acquired.Load()).
		Int64("recycled", p.recycled.Load()).
		Msg("Browser pool closed")
	return err
}
