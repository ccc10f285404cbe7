package proxy

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// listFile is the on-disk proxy list schema.
type listFile struct {
	Proxies []string `yaml:"proxies"`
}

// LoadList reads a YAML proxy list from path.
func LoadList(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}
	var f listFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse proxy list: %w", err)
	}
	return f.Proxies, nil
}

// Watcher hot-reloads a rotator's pool from a YAML file. Health state
// of proxies present across reloads is preserved by the rotator.
type Watcher struct {
	rotator *Rotator
	path    string
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
}

// NewWatcher starts watching path and reloading rotator on changes.
// The initial load must already have happened; a watcher only tracks
// subsequent edits.
func NewWatcher(rotator *Rotator, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch proxy list: %w", err)
	}

	w := &Watcher{
		rotator: rotator,
		path:    path,
		fsw:     fsw,
		stopCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.watch()

	log.Info().Str("path", path).Msg("Proxy list hot-reload enabled")
	return w, nil
}

// watch reloads on write/create events, debounced so editors that write
// in multiple syscalls trigger a single reload. The debounce timer is
// drained on this goroutine only, so no state is shared with the
// callback path.
func (w *Watcher) watch() {
	defer w.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceDelay)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounceC:
					default:
					}
				}
				debounce.Reset(debounceDelay)
			}

		case <-debounceC:
			w.reload()
			debounce = nil
			debounceC = nil

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Proxy list watcher error")

		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

// reload swaps in the new pool, keeping the previous one on parse
// failure.
func (w *Watcher) reload() {
	urls, err := LoadList(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Proxy list reload failed, keeping previous pool")
		return
	}
	w.rotator.Reload(urls)
}

// Close stops the watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	return w.fsw.Close()
}
