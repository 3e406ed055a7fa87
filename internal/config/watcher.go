package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls when no interval is
// configured.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls the dispatcher config file and hands every valid edit that
// changes the effective configuration to its apply function. Edits that fail
// validation are logged once per distinct content and the last good config
// stays in force.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	seen     fileStamp
	rejected [sha256.Size]byte
	reloads  int
}

// fileStamp identifies a version of the file. The mtime and size gate the
// more expensive hash.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and returns a Watcher primed with it. Polling starts
// with [Watcher.Run]. apply may be nil.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, apply: apply}
	for _, opt := range opts {
		opt(w)
	}
	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, stamp
	return w, nil
}

// Current returns the config in force.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reloads returns how many edits have been applied.
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check compares the file with the last version seen and applies it when it
// is valid and changes something [Diff] can see. It reports whether apply was
// called.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.ModTime().Equal(seen.mtime) && info.Size() == seen.size {
		return false
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.reject(stamp.sum, err)
		return false
	}

	w.mu.Lock()
	w.seen = stamp
	if stamp.sum == seen.sum {
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current = cfg
	if Diff(old, cfg).Empty() {
		w.mu.Unlock()
		return false
	}
	w.reloads++
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true
}

// reject logs a failed reload unless the same content was already rejected.
func (w *Watcher) reject(sum [sha256.Size]byte, err error) {
	w.mu.Lock()
	repeat := sum == w.rejected && sum != [sha256.Size]byte{}
	w.rejected = sum
	w.mu.Unlock()
	if !repeat {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
}

// read loads and validates the file. The stamp's sum is set whenever the
// file could be read, even if it fails validation.
func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	stamp := fileStamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, stamp, err
	}
	return cfg, stamp, nil
}
