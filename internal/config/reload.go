package config

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce absorbs the burst of write events editors emit on save.
const reloadDebounce = 300 * time.Millisecond

// Reloader watches the config file and re-applies the settings that may
// change at runtime (rate limits). The route table, breaker policies and
// auth settings are fixed for the life of the process; changes to them are
// reported and ignored until restart.
type Reloader struct {
	mu        sync.RWMutex
	current   *Config
	path      string
	logger    *slog.Logger
	callbacks []func(*Config)
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewReloader creates a Reloader for the given config file path.
func NewReloader(path string, initial *Config, logger *slog.Logger) *Reloader {
	return &Reloader{
		current: initial,
		path:    path,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Current returns the active configuration.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback invoked with the new config after a
// successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file and, on Unix, listening for SIGHUP.
func (r *Reloader) Start() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		return
	}
	r.watcher = watcher
	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()
	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler. Safe to call more
// than once.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config from disk and, if valid, swaps it in and notifies
// callbacks. Returns true if the reload succeeded.
func (r *Reloader) Reload() bool {
	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed, keeping current", "path", r.path, "error", err)
		return false
	}

	r.mu.Lock()
	old := r.current
	r.current = newCfg
	callbacks := make([]func(*Config), len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.Unlock()

	r.logChanges(old, newCfg)
	for _, cb := range callbacks {
		cb(newCfg)
	}
	r.logger.Info("configuration reloaded", "path", r.path)
	return true
}

func (r *Reloader) watchLoop() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() { r.Reload() })
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("file watcher error", "error", err)
		case <-r.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit != new.RateLimit {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}
	if !reflect.DeepEqual(old.Routes, new.Routes) ||
		!reflect.DeepEqual(old.CircuitBreaker, new.CircuitBreaker) ||
		!reflect.DeepEqual(old.Retry, new.Retry) {
		r.logger.Warn("route table changed on disk; restart the gateway to apply it",
			"old_routes", len(old.Routes),
			"new_routes", len(new.Routes),
		)
	}
	if !reflect.DeepEqual(old.Auth, new.Auth) {
		r.logger.Warn("auth settings changed on disk; restart the gateway to apply them")
	}
}
