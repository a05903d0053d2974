package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls a config file and reports every valid content change to a
// callback with the previous and the new config. Files that fail to parse or
// validate are logged and skipped; the last valid config stays current.
// Environment overrides are re-applied on every reload, so a reloaded config
// is always what [Load] would return for the same file.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	lookuper envconfig.Lookuper
	log      *slog.Logger

	mu   sync.Mutex
	snap snapshot

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// snapshot is the last accepted state of the file.
type snapshot struct {
	cfg     *Config
	sum     [sha256.Size]byte
	modTime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookuper sets the environment source applied on every reload. The
// default is the process environment.
func WithLookuper(l envconfig.Lookuper) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.lookuper = l
		}
	}
}

// WithWatcherLogger sets the logger for reload messages. The default is
// slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in the background. It fails
// when the initial load fails; onChange is never called for that load.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		lookuper: envconfig.OsLookuper(),
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.snap = snap

	go w.loop()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.cfg
}

// Stop ends polling and waits for an in-flight reload, including its
// callback, to return. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if old, cfg, ok := w.poll(); ok && w.onChange != nil {
				w.onChange(old, cfg)
			}
		}
	}
}

// poll reports whether the file holds a new valid config. An unchanged
// modification time short-circuits reading the file; a changed time with
// identical content only updates the remembered time.
func (w *Watcher) poll() (old, cfg *Config, changed bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	last := w.snap
	w.mu.Unlock()
	if info.ModTime().Equal(last.modTime) {
		return nil, nil, false
	}

	next, err := w.read()
	if err != nil {
		w.log.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return nil, nil, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if next.sum == w.snap.sum {
		w.snap.modTime = next.modTime
		return nil, nil, false
	}
	old = w.snap.cfg
	w.snap = next
	w.log.Info("config watcher: configuration reloaded", "path", w.path)
	return old, next.cfg, true
}

// read loads, validates and fingerprints the file.
func (w *Watcher) read() (snapshot, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}

	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	if cfg, err = finish(cfg, w.lookuper); err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), modTime: info.ModTime()}, nil
}
