// Package ratelimit provides per-key token bucket admission control for
// outbound requests. Buckets refill in whole-token steps at the configured
// rate and are seeded at full capacity on first use.
package ratelimit

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
)

// ErrLimited is returned by Consume when the key has no token available or
// is held after a remote Retry-After.
var ErrLimited = errors.New("rate limit exceeded")

// Status is a read-only view of one key's bucket.
type Status struct {
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	HeldUntil time.Time `json:"held_until,omitempty"`
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	heldUntil  time.Time
	lastSeen   time.Time
	removed    bool // dropped from the map; callers holding it must fetch again
}

// Limiter tracks one token bucket per key and periodically drops buckets
// that are full and idle.
type Limiter struct {
	mu       sync.RWMutex
	buckets  map[string]*bucket
	rps      float64
	burst    int
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Limiter and starts a background goroutine that cleans up
// idle buckets every minute. Call Stop to end it.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	l := newLimiter(cfg, logger, time.Now)
	go l.cleanup(time.Minute)
	return l
}

func newLimiter(cfg config.RateLimitConfig, logger *slog.Logger, now func() time.Time) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		logger:  logger,
		now:     now,
		stopCh:  make(chan struct{}),
	}
	l.apply(cfg)
	return l
}

func (l *Limiter) apply(cfg config.RateLimitConfig) {
	l.rps = cfg.RequestsPerSecond
	l.burst = cfg.BurstSize
	l.interval = time.Duration(float64(time.Second) / cfg.RequestsPerSecond)
	if l.interval <= 0 {
		l.interval = time.Nanosecond
	}
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// UpdateConfig hot-reloads the rate and burst. Existing buckets are cleared
// so new limits take effect immediately.
func (l *Limiter) UpdateConfig(cfg config.RateLimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.apply(cfg)
	for _, b := range l.buckets {
		b.mu.Lock()
		b.removed = true
		b.mu.Unlock()
	}
	l.buckets = make(map[string]*bucket)
}

// Check refills the key's bucket and reports whether a token is available.
// It never consumes a token.
func (l *Limiter) Check(key string) bool {
	b, burst, interval := l.lockBucket(key)
	defer b.mu.Unlock()
	now := l.now()
	l.refill(b, now, burst, interval)
	return b.tokens >= 1 && !now.Before(b.heldUntil)
}

// Consume takes one token from the key's bucket or returns ErrLimited.
func (l *Limiter) Consume(key string) error {
	b, burst, interval := l.lockBucket(key)
	now := l.now()

	l.refill(b, now, burst, interval)
	if b.tokens < 1 || now.Before(b.heldUntil) {
		b.mu.Unlock()
		l.logger.Warn("rate limit exceeded", "key", key)
		metrics.RateLimitHits.WithLabelValues(key).Inc()
		return ErrLimited
	}
	b.tokens--
	b.mu.Unlock()
	return nil
}

// Hold blocks the key until the given instant regardless of its tokens.
// An earlier hold than the current one is ignored.
func (l *Limiter) Hold(key string, until time.Time) {
	b, _, _ := l.lockBucket(key)
	if until.After(b.heldUntil) {
		b.heldUntil = until
	}
	b.mu.Unlock()
	l.logger.Info("rate limit hold placed", "key", key, "until", until)
}

// Status returns the key's bucket without refilling it. An unseen key
// reports a full bucket.
func (l *Limiter) Status(key string) Status {
	l.mu.RLock()
	b, ok := l.buckets[key]
	burst, interval := l.burst, l.interval
	l.mu.RUnlock()

	now := l.now()
	if !ok {
		return Status{Remaining: burst, Limit: burst, ResetAt: now}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return l.status(b, now, burst, interval)
}

// Reset drops the key's state. The next call reseeds it at full capacity.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	if b, ok := l.buckets[key]; ok {
		b.mu.Lock()
		b.removed = true
		b.mu.Unlock()
		delete(l.buckets, key)
	}
	l.mu.Unlock()
	l.logger.Info("rate limit reset", "key", key)
}

// Snapshot returns the status of every tracked key.
func (l *Limiter) Snapshot() map[string]Status {
	l.mu.RLock()
	keys := make(map[string]*bucket, len(l.buckets))
	for k, b := range l.buckets {
		keys[k] = b
	}
	burst, interval := l.burst, l.interval
	l.mu.RUnlock()

	now := l.now()
	out := make(map[string]Status, len(keys))
	for k, b := range keys {
		b.mu.Lock()
		out[k] = l.status(b, now, burst, interval)
		b.mu.Unlock()
	}
	return out
}

// status projects the refill that would happen at now without storing it.
// Caller holds b.mu.
func (l *Limiter) status(b *bucket, now time.Time, burst int, interval time.Duration) Status {
	tokens := b.tokens
	last := b.lastRefill
	if elapsed := now.Sub(last); elapsed >= interval {
		steps := elapsed / interval
		tokens = math.Min(float64(burst), tokens+float64(steps))
		last = last.Add(steps * interval)
	}

	s := Status{Remaining: int(tokens), Limit: burst, ResetAt: now}
	if tokens < float64(burst) {
		missing := math.Ceil(float64(burst) - tokens)
		s.ResetAt = last.Add(time.Duration(missing) * interval)
	}
	if now.Before(b.heldUntil) {
		s.HeldUntil = b.heldUntil
	}
	return s
}

// refill adds one token per whole interval elapsed since the last refill.
// Caller holds b.mu.
func (l *Limiter) refill(b *bucket, now time.Time, burst int, interval time.Duration) {
	b.lastSeen = now
	elapsed := now.Sub(b.lastRefill)
	if elapsed < interval {
		return
	}
	steps := elapsed / interval
	b.tokens += float64(steps)
	b.lastRefill = b.lastRefill.Add(steps * interval)
	if b.tokens >= float64(burst) {
		b.tokens = float64(burst)
		b.lastRefill = now
	}
}

// getBucket returns or creates the bucket for key along with the settings
// it was created under. Read-lock for existing keys, write-lock only for
// new insertions.
func (l *Limiter) getBucket(key string) (*bucket, int, time.Duration) {
	l.mu.RLock()
	if b, ok := l.buckets[key]; ok {
		burst, interval := l.burst, l.interval
		l.mu.RUnlock()
		return b, burst, interval
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b, l.burst, l.interval
	}

	now := l.now()
	b := &bucket{tokens: float64(l.burst), lastRefill: now, lastSeen: now}
	l.buckets[key] = b
	return b, l.burst, l.interval
}

// lockBucket returns the key's current bucket with b.mu held. A bucket
// removed between lookup and locking is skipped, so no token is taken from
// a bucket the map no longer holds.
func (l *Limiter) lockBucket(key string) (*bucket, int, time.Duration) {
	for {
		b, burst, interval := l.getBucket(key)
		b.mu.Lock()
		if !b.removed {
			return b, burst, interval
		}
		b.mu.Unlock()
	}
}

// sweep removes buckets that would be full by now, are not held, and have
// been idle for at least idle. A full bucket is indistinguishable from a
// missing one, so dropping it changes no decision.
func (l *Limiter) sweep(idle time.Duration) int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		st := l.status(b, now, l.burst, l.interval)
		stale := st.Remaining >= l.burst && st.HeldUntil.IsZero() && now.Sub(b.lastSeen) >= idle
		if stale {
			b.removed = true
		}
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *Limiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.sweep(3 * time.Minute); n > 0 {
				l.logger.Debug("rate limit buckets cleaned up", "removed", n)
			}
		case <-l.stopCh:
			return
		}
	}
}
