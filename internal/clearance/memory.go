package clearance

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/titanfetch/titan/internal/types"
)

// MemoryStore keeps clearances in process memory. Expired entries are
// dropped lazily on read and swept periodically in the background.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// NewMemoryStore starts a memory store with a background sweep every
// cleanupInterval. Pass 0 to disable the sweeper.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*types.Session),
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sweepRoutine(cleanupInterval)
		}()
	}
	return m
}

// Get returns the clearance for domain, or (nil, nil) when absent or
// expired.
func (m *MemoryStore) Get(_ context.Context, domain string) (*types.Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[domain]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !s.Valid(time.Now()) {
		m.mu.Lock()
		// Recheck under the write lock; a Put may have replaced it.
		if cur, ok := m.sessions[domain]; ok && cur == s {
			delete(m.sessions, domain)
		}
		m.mu.Unlock()
		return nil, nil
	}
	return s, nil
}

// Put stores or replaces the clearance for its domain.
func (m *MemoryStore) Put(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	m.sessions[s.Domain] = s
	total := len(m.sessions)
	m.mu.Unlock()

	log.Debug().
		Str("domain", s.Domain).
		Time("expires", s.ExpiresAt).
		Int("total", total).
		Msg("Clearance stored")
	return nil
}

// Delete removes the clearance for domain. Deleting a missing domain is
// not an error.
func (m *MemoryStore) Delete(_ context.Context, domain string) error {
	m.mu.Lock()
	delete(m.sessions, domain)
	m.mu.Unlock()
	return nil
}

// Count returns the number of unexpired clearances.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	now := time.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s.Valid(now) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) sweepRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryStore) sweep() {
	now := time.Now()
	m.mu.Lock()
	removed := 0
	for domain, s := range m.sessions {
		if !s.Valid(now) {
			delete(m.sessions, domain)
			removed++
		}
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("Expired clearances swept")
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	return nil
}
