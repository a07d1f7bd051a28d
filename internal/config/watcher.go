package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Watcher keeps the current [Config] in sync with the YAML file and, when
// one is configured, the session.system_instruction_file it points to.
//
// Both files are polled by modification time; a changed mtime triggers a full
// reload, but onChange only fires when the parsed result differs. Edits that
// fail to load are logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	state   sourceState

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// sourceState is what the watcher last saw on disk.
type sourceState struct {
	// mtimes of every file the config was built from.
	mtimes map[string]time.Time

	// sum covers the YAML bytes and the resolved system instruction.
	sum [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger. Default slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithInterval sets the polling interval. Default 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. onChange may be nil; it runs
// on the polling goroutine (or the [Watcher.Reload] caller) without any lock
// held, so it may call [Watcher.Current].
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.state = cfg, st

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Files lists the files the current config was built from, sorted.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.state.mtimes))
}

// Reload re-reads the sources now regardless of mtimes. It reports whether
// the config changed; a load error leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	cfg, st, err := w.load()
	if err != nil {
		return false, err
	}
	return w.swap(cfg, st), nil
}

// Stop ends polling and waits for an in-progress reload to finish. It is
// safe to call more than once, but not from onChange.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-t.C:
			if !w.touched() {
				continue
			}
			cfg, st, err := w.load()
			if err != nil {
				w.log.Warn("config: reload failed, keeping previous config", "path", w.path, "err", err)
				continue
			}
			w.swap(cfg, st)
		}
	}
}

// touched reports whether any source file's mtime moved or the file vanished.
func (w *Watcher) touched() bool {
	w.mu.Lock()
	mtimes := w.state.mtimes
	w.mu.Unlock()

	for f, seen := range mtimes {
		info, err := os.Stat(f)
		if err != nil || !info.ModTime().Equal(seen) {
			return true
		}
	}
	return false
}

// swap installs cfg if its content differs and then notifies.
func (w *Watcher) swap(cfg *Config, st sourceState) bool {
	w.mu.Lock()
	if st.sum == w.state.sum {
		w.state.mtimes = st.mtimes
		w.mu.Unlock()
		return false
	}
	old := w.current
	w.current, w.state = cfg, st
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true
}

// load parses the YAML file and records the state of every file involved.
func (w *Watcher) load() (*Config, sourceState, error) {
	st := sourceState{mtimes: make(map[string]time.Time, 2)}

	data, mtime, err := readWithMtime(w.path)
	if err != nil {
		return nil, st, err
	}
	st.mtimes[w.path] = mtime

	dir := filepath.Dir(w.path)
	cfg, err := parse(data, dir)
	if err != nil {
		return nil, st, err
	}

	if p := instructionPath(cfg, dir); p != "" {
		info, err := os.Stat(p)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, st, fmt.Errorf("config: stat %s: %w", p, err)
		}
		if err == nil {
			st.mtimes[p] = info.ModTime()
		}
	}

	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(cfg.Session.SystemInstruction))
	h.Sum(st.sum[:0])
	return cfg, st, nil
}

func readWithMtime(path string) ([]byte, time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}
