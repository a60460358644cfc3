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

// DefaultWatchInterval is how often a [Watcher] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Watcher hot-reloads the client configuration. It polls the file and hands
// every edit that validates and changes at least one setting to the reload
// callback, together with the configuration it replaces. Edits that fail
// validation are logged and ignored until the file is fixed.
type Watcher struct {
	path     string
	interval time.Duration
	reload   func(old, new *Config)

	mu    sync.Mutex
	cfg   *Config
	state fileState

	quit     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the config file.
type fileState struct {
	modTime time.Time
	size    int64
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Defaults to [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. reload may be nil, in which
// case the watcher only keeps [Watcher.Current] up to date.
func NewWatcher(path string, reload func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		reload:   reload,
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, state, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.cfg, w.state = cfg, state

	go w.run()
	return w, nil
}

// Current returns the configuration of the last accepted edit.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Stop ends polling. Once Stop returns the reload callback is not invoked
// again. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.finished
}

func (w *Watcher) run() {
	defer close(w.finished)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.quit:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

// poll reloads the file when its size or modification time moved and its
// content hash differs from the last accepted version.
func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.state
	w.mu.Unlock()
	if info.ModTime().Equal(prev.modTime) && info.Size() == prev.size {
		return
	}

	cfg, state, err := w.read()
	if err != nil {
		slog.Warn("config: edit rejected, keeping previous settings", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if state.sum == prev.sum {
		w.state = state
		w.mu.Unlock()
		return
	}
	old := w.cfg
	w.cfg, w.state = cfg, state
	w.mu.Unlock()

	d := Diff(old, cfg)
	if d.Empty() {
		slog.Debug("config: file edited without setting changes", "path", w.path)
		return
	}
	slog.Info("config: settings changed",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"vocabulary", d.VocabularyChanged,
		"restart_required", d.RestartRequired,
	)
	if w.reload != nil {
		w.reload(old, cfg)
	}
}

// read parses and validates the file and fingerprints its raw bytes.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     sha256.Sum256(data),
	}, nil
}
