package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] polls its file.
const DefaultWatchInterval = 5 * time.Second

// Watcher polls the device config file while the device runs and reports
// every valid edit as a [ConfigDiff] against the config last handed out.
// Edits that fail to parse or validate are logged and skipped; the device
// keeps running on what it has.
type Watcher struct {
	path     string
	interval time.Duration

	mu      sync.Mutex
	current *Config

	// Owned by Run.
	lastMtime time.Time
	lastHash  [sha256.Size]byte
	base      *Config
	sent      *Config
	changes   chan ConfigDiff
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

// NewWatcher loads path and returns a watcher for it. Polling starts with
// [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		changes:  make(chan ConfigDiff, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.base, w.sent = cfg, cfg, cfg
	w.lastHash, w.lastMtime = hash, mtime
	return w, nil
}

// Current returns a copy of the most recently loaded valid config. Callers
// may apply flag overrides to it without affecting later diffs.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	c := *w.current
	return &c
}

// Changes delivers one diff per reload. A diff not yet received when the
// file changes again is replaced by one covering both edits, so a slow
// consumer never applies a stale intermediate config.
func (w *Watcher) Changes() <-chan ConfigDiff {
	return w.changes
}

// Run polls the file until ctx is done. It returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	if info.ModTime().Equal(w.lastMtime) {
		return
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		slog.Warn("config watcher: edit rejected, keeping the running config", "path", w.path, "err", err)
		// Retry only when the file is written again.
		w.lastMtime = info.ModTime()
		return
	}
	w.lastMtime = mtime
	if hash == w.lastHash {
		return
	}
	w.lastHash = hash

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	select {
	case <-w.changes:
		// Superseded before anyone took it; keep its base.
	default:
		w.base = w.sent
	}
	d := Diff(w.base, cfg)
	w.sent = cfg
	if !d.Changed() {
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"vad", d.VADChanged,
		"sleep_text", d.SleepTextChanged,
		"restart_required", d.RestartRequired,
	)
	w.changes <- d
}

// load reads, hashes and validates the file.
func (w *Watcher) load() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
