package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

const defaultWatchInterval = 5 * time.Second

// snapshot is one successfully loaded version of the file.
type snapshot struct {
	cfg   *Config
	sum   [sha256.Size]byte
	mtime time.Time
}

// errEmptyFile rejects a reload of a file with no content. Editors that
// truncate before writing leave it that way for a moment.
var errEmptyFile = errors.New("config: file is empty")

// readSnapshot loads path with environment overrides applied and validates
// the result. Unless allowEmpty is set, a blank file is an error.
func readSnapshot(path string, getenv func(string) string, allowEmpty bool) (snapshot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return snapshot{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, err
	}
	if !allowEmpty && len(bytes.TrimSpace(data)) == 0 {
		return snapshot{}, errEmptyFile
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return snapshot{}, err
	}
	ApplyEnv(cfg, getenv)
	if err := Validate(cfg); err != nil {
		return snapshot{}, err
	}
	return snapshot{cfg: cfg, sum: sha256.Sum256(data), mtime: info.ModTime()}, nil
}

// Watcher polls the config file of a running server. A save that parses and
// validates is handed to the callback; anything else is logged and the last
// good config stays current. Touching the file without changing its bytes
// is not a change.
type Watcher struct {
	path     string
	interval time.Duration
	getenv   func(string) string
	logger   *slog.Logger
	onChange func(old, new *Config)

	mu   sync.Mutex
	last snapshot

	stop     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets how often the file is checked. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithGetenv replaces [os.Getenv] as the source of environment overrides.
func WithGetenv(getenv func(string) string) WatcherOption {
	return func(w *Watcher) { w.getenv = getenv }
}

// WithWatchLogger sets the logger for reload and failure messages.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// NewWatcher loads path once and then polls it until Stop. It fails only
// when the initial load fails.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: defaultWatchInterval,
		getenv:   os.Getenv,
		logger:   slog.Default(),
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	first, err := readSnapshot(path, w.getenv, true)
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.last = first
	go w.loop()
	return w, nil
}

// Current returns the last config that loaded cleanly.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last.cfg
}

// Stop ends polling. It may be called more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.last.mtime)
	w.mu.Unlock()
	if unchanged {
		return
	}

	next, err := readSnapshot(w.path, w.getenv, false)
	if err != nil {
		w.logger.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.last
	w.last = next
	w.mu.Unlock()
	if next.sum == prev.sum {
		return
	}

	d := Diff(prev.cfg, next.cfg)
	w.logger.Info("config watcher: file changed",
		"path", w.path,
		"hot", d.HotReloadable(),
		"restart_required", d.RestartRequired,
	)
	// Called without the lock so the callback may use Current.
	if w.onChange != nil {
		w.onChange(prev.cfg, next.cfg)
	}
}
