package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the watcher re-examines the config file.
const defaultPollInterval = 5 * time.Second

// snapshot is one successfully parsed file state.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// Watcher polls the config file and reports content changes through a
// callback, driving hot reload of log level, languages, and seed keywords.
// Polling keeps the relay free of platform file-notification quirks; a missed
// beat costs at most one interval.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, updated *Config)
	logger   *slog.Logger

	mu   sync.Mutex
	last snapshot

	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption is a functional option for the Watcher.
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep the
// default of 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher loads the config at path and starts polling it for changes. The
// initial load must succeed; later loads that fail leave the previous config
// in place.
func NewWatcher(path string, onChange func(old, updated *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onChange: onChange,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	snap, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = snap

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends the polling loop. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) loop() {
	tick := time.NewTicker(w.interval)
	defer tick.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-tick.C:
			w.reload()
		}
	}
}

// reload re-reads the file when its mtime moved and swaps the config in when
// the content hash actually differs.
func (w *Watcher) reload() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config file unreadable, keeping current config", "path", w.path, "error", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	snap, err := w.load()
	if err != nil {
		w.logger.Warn("config reload failed, keeping current config", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	if snap.sum == w.last.sum {
		// Touched, not changed.
		w.last.mtime = snap.mtime
		w.mu.Unlock()
		return
	}
	old := w.last.cfg
	w.last = snap
	w.mu.Unlock()

	w.logger.Info("configuration reloaded", "path", w.path)
	if w.onChange != nil {
		// Outside the lock so the callback may call Current.
		w.onChange(old, snap.cfg)
	}
}

// load reads and parses the file once, recording the content hash and mtime
// for change detection.
func (w *Watcher) load() (snapshot, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return snapshot{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return snapshot{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}
