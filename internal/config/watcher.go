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

// DefaultWatchInterval is how often [Watcher.Run] polls the file.
const DefaultWatchInterval = 5 * time.Second

// fingerprint identifies one version of the config file. The modification
// time and size are a cheap pre-check; sum decides whether content changed.
type fingerprint struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

func (f fingerprint) sameStat(info os.FileInfo) bool {
	return f.modTime.Equal(info.ModTime()) && f.size == info.Size()
}

// Watcher keeps the last valid configuration read from a file and hands each
// new valid version to an apply callback. Edits that fail to parse or
// validate are logged and skipped; the previous configuration stays current.
type Watcher struct {
	path     string
	interval time.Duration
	apply    func(old, new *Config)

	// reloadMu serialises Reload so polling and explicit reloads (SIGHUP)
	// never apply the same edit twice.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fingerprint
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval of [Watcher.Run]. Non-positive
// values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher reads and validates path once. It fails when that first read
// does; polling does not start until [Watcher.Run] is called. apply may be
// nil.
func NewWatcher(path string, apply func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval, apply: apply}
	for _, opt := range opts {
		opt(w)
	}
	cfg, fp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, fp
	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls the file until ctx is done and always returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if _, err := w.Reload(); err != nil {
				slog.Warn("config: reload skipped", "path", w.path, "err", err)
			}
		}
	}
}

// Reload re-reads the file now. It reports whether a new configuration was
// applied. A file whose stat or content is unchanged is not applied again.
// On error the current configuration is kept.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if seen.sameStat(info) {
		return false, nil
	}

	cfg, fp, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if fp.sum == w.seen.sum {
		w.seen = fp
		w.mu.Unlock()
		return false, nil
	}
	old := w.current
	w.current, w.seen = cfg, fp
	w.mu.Unlock()

	slog.Info("config: reloaded", "path", w.path)
	if w.apply != nil {
		w.apply(old, cfg)
	}
	return true, nil
}

// read loads the file once, fingerprinting exactly the bytes it parsed.
func (w *Watcher) read() (*Config, fingerprint, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fingerprint{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fingerprint{}, err
	}
	return cfg, fingerprint{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, nil
}
