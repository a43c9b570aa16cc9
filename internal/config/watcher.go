package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the delay before a reload after the last file change.
// Editors often write files in several steps.
const DebounceDelay = 100 * time.Millisecond

// Subscriber receives the reloaded configuration.
type Subscriber func(cfg *Config)

// Watcher reloads a configuration file when it changes and hands the result
// to subscribers. Files that fail to parse are logged and skipped; the last
// good configuration stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	delay   time.Duration

	mu          sync.RWMutex
	subscribers []Subscriber
	current     *Config

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewWatcher watches path. The parent directory is watched so that files
// replaced by rename are still picked up.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    abs,
		watcher: fw,
		logger:  logger,
		delay:   DebounceDelay,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}, nil
}

// Subscribe registers fn for future reloads.
func (w *Watcher) Subscribe(fn Subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Current returns the last configuration successfully reloaded, or nil.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins processing file events.
func (w *Watcher) Start() {
	w.startOnce.Do(func() { go w.eventLoop() })
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		// A watcher that was never started has no loop to wait for.
		w.startOnce.Do(func() { close(w.stopped) })
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()
	})
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}
	w.logger.Debug("Config file changed", "path", event.Name, "op", event.Op.String())

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.delay, w.reload)
	w.debounceMu.Unlock()
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	if _, err := os.Stat(w.path); err != nil {
		// Removed or mid-rename; wait for the next event.
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("Ignoring invalid config change", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	subs := make([]Subscriber, len(w.subscribers))
	copy(subs, w.subscribers)
	w.mu.Unlock()

	w.logger.Info("Reloaded config", "path", w.path, "bots", len(cfg.Bots), "subscriber_count", len(subs))
	for _, fn := range subs {
		fn(cfg)
	}
}
