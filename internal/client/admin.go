package client

import (
	"fmt"
	"strings"

	"github.com/dskow/netcore/internal/cache"
	"github.com/dskow/netcore/internal/circuitbreaker"
	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
	"github.com/dskow/netcore/internal/pool"
	"github.com/dskow/netcore/internal/ratelimit"
)

// ResetRateLimit drops the bucket for key, restoring full burst capacity.
func (c *Client) ResetRateLimit(key string) {
	c.limiter.Reset(strings.ToLower(key))
}

func (c *Client) RateLimitStatus(key string) ratelimit.Status {
	return c.limiter.Status(strings.ToLower(key))
}

// RateLimits returns the bucket of every host seen recently.
func (c *Client) RateLimits() map[string]ratelimit.Status {
	return c.limiter.Snapshot()
}

// ForceCircuitOpen opens the breaker for key for one reset timeout.
func (c *Client) ForceCircuitOpen(key string) {
	c.breakers.ForceOpen(strings.ToLower(key))
}

// ForceCircuitClosed closes the breaker for key and clears its counters.
func (c *Client) ForceCircuitClosed(key string) {
	c.breakers.ForceClose(strings.ToLower(key))
}

func (c *Client) CircuitStates() []circuitbreaker.Snapshot {
	return c.breakers.Snapshot()
}

// InvalidateCache removes cached responses for url across all methods and
// bodies. A trailing "*" matches every URL with that prefix. It returns the
// number of entries removed.
func (c *Client) InvalidateCache(url string) int {
	var match func(string) bool
	if prefix, ok := strings.CutSuffix(url, "*"); ok {
		match = func(k string) bool { return strings.HasPrefix(cacheKeyURL(k), prefix) }
	} else {
		target := url
		if u, _, err := normalizeURL(url); err == nil {
			target = u
		}
		match = func(k string) bool { return cacheKeyURL(k) == target }
	}

	n := c.cache.InvalidateFunc(match)
	metrics.CacheEntries.Set(float64(c.cache.Len()))
	if n > 0 {
		c.logger.Info("cache invalidated", "url", url, "removed", n)
	}
	return n
}

func (c *Client) ClearCache() {
	c.cache.Clear()
	metrics.CacheEntries.Set(0)
	c.logger.Info("cache cleared")
}

func (c *Client) CacheStats() cache.Stats {
	return c.cache.Stats()
}

func (c *Client) PoolStatus() pool.Status {
	return c.pool.Status()
}

// Metrics returns every recorded request metric, oldest first.
func (c *Client) Metrics() []metrics.RequestMetric {
	return c.recorder.Snapshot()
}

// RecentMetrics returns up to n of the newest request metrics.
func (c *Client) RecentMetrics(n int) []metrics.RequestMetric {
	return c.recorder.Recent(n)
}

func (c *Client) AggregatedMetrics() metrics.Aggregate {
	return c.recorder.Aggregate()
}

func (c *Client) ResetMetrics() {
	c.recorder.Reset()
}

// Config returns the configuration currently in effect.
func (c *Client) Config() *config.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// UpdateConfig applies a new configuration to every component. Rate limit
// buckets are reseeded; breaker states, cached entries and queued requests
// are kept.
func (c *Client) UpdateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid client config: %w", err)
	}

	c.limiter.UpdateConfig(cfg.RateLimit)
	c.breakers.UpdateConfig(cfg.CircuitBreaker)
	c.cache.UpdateConfig(cfg.Cache.TTL(), cfg.Cache.MaxEntries)
	c.pool.Resize(cfg.RequestPool.MaxConcurrentRequests, cfg.RequestPool.MaxQueueSize)
	c.recorder.Resize(cfg.Metrics.BufferSize)

	c.mu.Lock()
	c.cfg = cfg
	c.set = settingsFrom(cfg)
	c.mu.Unlock()

	c.logger.Info("client configuration updated")
	return nil
}

// Close stops background work. The client must not be used afterwards.
func (c *Client) Close() error {
	c.limiter.Stop()
	return nil
}
