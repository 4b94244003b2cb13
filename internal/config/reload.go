package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader watches the config file and swaps in a new Config when it
// changes and validates. Subscribers (the client's rate limiter, breakers
// and cache) are notified through OnReload callbacks. Reloads are triggered
// by fsnotify events and, on Unix, SIGHUP.
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

// Current returns the active configuration (thread-safe).
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// OnReload registers a callback that is invoked with the new config
// after a successful reload.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Start begins watching the config file for changes and listening for
// SIGHUP (on Unix). Must be called once after NewReloader.
func (r *Reloader) Start() {
	// Start fsnotify file watcher
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Error("failed to create file watcher", "error", err)
		return
	}
	r.watcher = watcher

	if err := watcher.Add(r.path); err != nil {
		r.logger.Error("failed to watch config file", "path", r.path, "error", err)
		watcher.Close()
		r.watcher = nil
		return
	}

	r.logger.Info("config file watcher started", "path", r.path)

	go r.watchLoop()

	// SIGHUP on Unix, no-op on Windows
	r.registerSignalHandler()
}

// Stop terminates the file watcher and signal handler.
func (r *Reloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the config from disk, validates it, and if valid swaps it
// in and notifies all registered callbacks. Returns true if the reload
// succeeded. Exported so signal handlers and tests can call it.
func (r *Reloader) Reload() bool {
	r.logger.Info("reloading configuration", "path", r.path)

	newCfg, err := Load(r.path)
	if err != nil {
		r.logger.Error("config reload failed: invalid config, keeping current",
			"path", r.path, "error", err)
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

	r.logger.Info("configuration reloaded successfully")
	return true
}

// watchLoop processes fsnotify events with debouncing.
func (r *Reloader) watchLoop() {
	// Editors often write several events per save.
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(300*time.Millisecond, func() {
					r.Reload()
				})
			}
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

// logChanges logs a summary of which resilience settings moved. Only the
// sections the client applies live are reported.
func (r *Reloader) logChanges(old, new *Config) {
	if old.RateLimit != new.RateLimit {
		r.logger.Info("rate limit config changed",
			"old_rps", old.RateLimit.RequestsPerSecond,
			"new_rps", new.RateLimit.RequestsPerSecond,
			"old_burst", old.RateLimit.BurstSize,
			"new_burst", new.RateLimit.BurstSize,
		)
	}

	if old.CircuitBreaker != new.CircuitBreaker {
		r.logger.Info("circuit breaker config changed",
			"old_threshold", old.CircuitBreaker.FailureThreshold,
			"new_threshold", new.CircuitBreaker.FailureThreshold,
			"old_reset_ms", old.CircuitBreaker.ResetTimeoutMs,
			"new_reset_ms", new.CircuitBreaker.ResetTimeoutMs,
		)
	}

	if old.RequestPool.MaxConcurrentRequests != new.RequestPool.MaxConcurrentRequests ||
		old.RequestPool.MaxQueueSize != new.RequestPool.MaxQueueSize {
		r.logger.Info("request pool resized",
			"old_concurrency", old.RequestPool.MaxConcurrentRequests,
			"new_concurrency", new.RequestPool.MaxConcurrentRequests,
			"old_queue", old.RequestPool.MaxQueueSize,
			"new_queue", new.RequestPool.MaxQueueSize,
		)
	}

	if old.Cache != new.Cache {
		r.logger.Info("cache config changed",
			"old_ttl_ms", old.Cache.TTLMs,
			"new_ttl_ms", new.Cache.TTLMs,
			"old_max_entries", old.Cache.MaxEntries,
			"new_max_entries", new.Cache.MaxEntries,
		)
	}

	if old.Retry.Retries() != new.Retry.Retries() {
		r.logger.Info("retry limit changed", "old", old.Retry.Retries(), "new", new.Retry.Retries())
	}

	if old.Auth.Enabled != new.Auth.Enabled {
		r.logger.Info("auth enabled changed",
			"old", old.Auth.Enabled,
			"new", new.Auth.Enabled,
		)
	}
}
