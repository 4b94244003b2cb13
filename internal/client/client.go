// Package client executes outbound HTTP requests through a fixed resilience
// pipeline: response cache, per-host circuit breaker, per-host rate limiter,
// bounded request pool, and a retry loop with capped exponential backoff.
// Every outcome updates the breaker, the cache and the metrics recorder.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dskow/netcore/internal/cache"
	"github.com/dskow/netcore/internal/circuitbreaker"
	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
	"github.com/dskow/netcore/internal/pool"
	"github.com/dskow/netcore/internal/ratelimit"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const requestIDHeader = "X-Request-ID"

// settings are the per-request defaults taken from config. They are
// swapped as a whole on UpdateConfig.
type settings struct {
	retries        int
	baseDelay      time.Duration
	maxDelay       time.Duration
	timeout        time.Duration
	rps            float64
	metricsEnabled bool
	dedupe         bool
}

func settingsFrom(cfg *config.Config) settings {
	return settings{
		retries:        cfg.Retry.Retries(),
		baseDelay:      cfg.Retry.BaseDelay(),
		maxDelay:       cfg.Retry.MaxDelay(),
		timeout:        cfg.RequestPool.RequestTimeout(),
		rps:            cfg.RateLimit.RequestsPerSecond,
		metricsEnabled: cfg.Metrics.IsEnabled(),
		dedupe:         cfg.RequestPool.Deduplicate,
	}
}

// Client is safe for concurrent use. Create one per remote API family and
// share it.
type Client struct {
	transport Transport
	limiter   *ratelimit.Limiter
	breakers  *circuitbreaker.Registry
	cache     *cache.Cache[*Response]
	pool      *pool.Pool
	recorder  *metrics.Recorder
	flight    singleflight.Group
	logger    *slog.Logger

	mu  sync.RWMutex
	cfg *config.Config
	set settings

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New builds a Client from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, transport Transport, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		transport: transport,
		limiter:   ratelimit.New(cfg.RateLimit, logger),
		breakers:  circuitbreaker.NewRegistry(cfg.CircuitBreaker, logger),
		cache:     cache.New[*Response](cfg.Cache.TTL(), cfg.Cache.MaxEntries),
		pool:      pool.New(cfg.RequestPool, logger),
		recorder:  metrics.NewRecorder(cfg.Metrics.BufferSize),
		logger:    logger,
		cfg:       cfg,
		set:       settingsFrom(cfg),
		now:       time.Now,
		sleep:     sleepContext,
	}, nil
}

func (c *Client) settings() settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.set
}

// Execute performs one logical request against rawURL. The stages run in a
// fixed order: validation, cache lookup, circuit breaker admission, rate
// limit admission, then the pooled retry loop. Failures are returned as
// *Error.
func (c *Client) Execute(ctx context.Context, rawURL string, opts ...RequestOption) (*Response, error) {
	set := c.settings()
	o := requestOptions{
		method:   http.MethodGet,
		timeout:  set.timeout,
		retries:  set.retries,
		priority: pool.Normal,
	}
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.RequestMetric{
		URL:       rawURL,
		Method:    strings.ToUpper(o.method),
		StartedAt: c.now(),
	}

	req, host, err := c.prepare(rawURL, &o, set)
	if err != nil {
		c.finish(&m, set, nil, 0, err)
		return nil, err
	}
	m.ID = req.Header.Get(requestIDHeader)
	m.URL, m.Host, m.Method = req.URL, host, req.Method

	metrics.InFlightRequests.Inc()
	defer metrics.InFlightRequests.Dec()

	key := cacheKey(req.Method, req.URL, req.Body)
	if !o.skipCache {
		if cached, ok := c.cache.Get(key); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			resp := cached.clone()
			resp.FromCache = true
			m.ServedFromCache = true
			c.finish(&m, set, resp, 0, nil)
			return resp, nil
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}

	var (
		resp    *Response
		retries int
	)
	if set.dedupe && !o.skipCache {
		var shared bool
		resp, retries, shared, err = c.executeShared(ctx, req, host, key, &o, set)
		if shared {
			m.Shared = true
			metrics.SharedResponses.Inc()
		}
	} else {
		resp, retries, err = c.execute(ctx, req, host, key, &o)
	}

	c.finish(&m, set, resp, retries, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

type flightResult struct {
	resp    *Response
	retries int
}

// executeShared joins an identical in-flight request or starts one. Only
// requests with the same cache key and the same timeout, retry, priority
// and rate-limit options share. The shared call is detached from every
// caller's context and bounded by its own worst-case duration, so one
// caller leaving does not fail the others; each caller stops waiting when
// its own ctx ends.
func (c *Client) executeShared(ctx context.Context, req *Request, host, key string, o *requestOptions, set settings) (*Response, int, bool, error) {
	fkey := flightKey(key, o)
	ch := c.flight.DoChan(fkey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flightBudget(o, set))
		defer cancel()
		r, n, err := c.execute(fctx, req, host, key, o)
		return &flightResult{resp: r, retries: n}, err
	})

	select {
	case res := <-ch:
		fr := res.Val.(*flightResult)
		resp := fr.resp
		if res.Shared && resp != nil {
			resp = resp.clone()
			resp.Shared = true
		}
		return resp, fr.retries, res.Shared, res.Err
	case <-ctx.Done():
		return nil, 0, false, contextError(req.URL, ctx.Err())
	}
}

func flightKey(key string, o *requestOptions) string {
	return fmt.Sprintf("%s|%s|%d|%d|%t|%s", key, o.timeout, o.retries, o.priority, o.skipRateLimit, o.cacheTTL)
}

// flightBudget bounds a shared call: every attempt timing out plus every
// backoff at its cap, and one more timeout for waiting in the pool queue.
func flightBudget(o *requestOptions, set settings) time.Duration {
	return time.Duration(o.retries+2)*o.timeout + time.Duration(o.retries)*set.maxDelay
}

// prepare validates the options and builds the transport request.
func (c *Client) prepare(rawURL string, o *requestOptions, set settings) (*Request, string, error) {
	u, host, err := normalizeURL(rawURL)
	if err != nil {
		return nil, "", err
	}

	method := strings.ToUpper(strings.TrimSpace(o.method))
	if !validMethod(method) {
		return nil, "", validationError(rawURL, "invalid method %q", o.method)
	}
	if o.retries < 0 {
		return nil, "", validationError(rawURL, "retries must be non-negative, got %d", o.retries)
	}
	if o.timeout < 0 {
		return nil, "", validationError(rawURL, "timeout must be non-negative, got %s", o.timeout)
	}
	if o.timeout == 0 {
		o.timeout = set.timeout
	}
	if o.limitSet {
		if o.limit < 1 || o.limit > MaxLimit {
			return nil, "", validationError(rawURL, "limit must be between 1 and %d, got %d", MaxLimit, o.limit)
		}
		u = withLimit(u, o.limit)
	}

	header := o.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	if header.Get(requestIDHeader) == "" {
		header.Set(requestIDHeader, uuid.NewString())
	}

	return &Request{Method: method, URL: u, Header: header, Body: o.body}, host, nil
}

// execute runs the admission checks and the pooled retry loop, then feeds
// the outcome to the breaker and the cache.
func (c *Client) execute(ctx context.Context, req *Request, host, key string, o *requestOptions) (*Response, int, error) {
	if err := c.breakers.Admit(host); err != nil {
		var retryAfter time.Duration
		var oe *circuitbreaker.OpenError
		if errors.As(err, &oe) {
			retryAfter = max(oe.RetryAt.Sub(c.now()), 0)
		}
		c.logger.Warn("circuit open, request rejected", "host", host, "url", req.URL)
		return nil, 0, &Error{Kind: KindCircuitOpen, URL: req.URL, RetryAfter: retryAfter, Err: err}
	}

	if !o.skipRateLimit {
		if err := c.limiter.Consume(host); err != nil {
			return nil, 0, &Error{Kind: KindRateLimited, URL: req.URL, RetryAfter: c.rateLimitWait(host), Err: err}
		}
	}

	var (
		resp      *Response
		retries   int
		attempted bool
	)
	err := c.pool.Submit(ctx, o.priority, func(ctx context.Context) error {
		attempted = true
		var err error
		resp, retries, err = c.doWithRetry(ctx, req, host, o)
		return err
	})
	if !attempted {
		if errors.Is(err, pool.ErrSaturated) {
			return nil, 0, &Error{Kind: KindPoolSaturated, URL: req.URL, Err: err}
		}
		return nil, 0, contextError(req.URL, err)
	}

	switch {
	case err == nil:
		c.breakers.RecordSuccess(host)
	case ctx.Err() != nil:
		// The caller gave up; the remote host is not at fault.
	case KindOf(err) == KindResponseTooLarge:
		// The host answered; the local size cap rejected the body.
	default:
		c.breakers.RecordFailure(host)
	}

	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindRateLimited && e.RetryAfter > 0 {
			c.limiter.Hold(host, c.now().Add(e.RetryAfter))
		}
		return nil, retries, err
	}

	if !o.skipCache {
		c.cache.Set(key, resp.clone(), o.cacheTTL)
		metrics.CacheEntries.Set(float64(c.cache.Len()))
	}
	return resp, retries, nil
}

// rateLimitWait estimates how long until host admits another request.
func (c *Client) rateLimitWait(host string) time.Duration {
	st := c.limiter.Status(host)
	if !st.HeldUntil.IsZero() {
		return max(st.HeldUntil.Sub(c.now()), 0)
	}
	rps := c.settings().rps
	if rps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rps)
}

// attempt performs one transport call under its own timeout and classifies
// the result.
func (c *Client) attempt(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := c.now()
	resp, err := c.transport.Do(actx, req)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == KindResponseTooLarge {
			return nil, e
		}
		if ctx.Err() != nil {
			return nil, contextError(req.URL, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, URL: req.URL, Err: err}
		}
		return nil, &Error{Kind: KindNetwork, URL: req.URL, Err: err}
	}
	resp.Duration = c.now().Sub(start)
	return resp, classify(req.URL, resp, c.now())
}

// classify maps a non-2xx status to its error kind.
func classify(url string, resp *Response, now time.Time) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			URL:        url,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &Error{Kind: KindAuthentication, URL: url, StatusCode: code}
	case code == http.StatusNotFound:
		return &Error{Kind: KindNotFound, URL: url, StatusCode: code}
	default:
		return &Error{Kind: KindNetwork, URL: url, StatusCode: code, Err: fmt.Errorf("unexpected status %d", code)}
	}
}

func contextError(url string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, URL: url, Err: err}
	}
	return &Error{Kind: KindNetwork, URL: url, Err: err}
}

// finish completes the request metric and updates the collectors.
func (c *Client) finish(m *metrics.RequestMetric, set settings, resp *Response, retries int, err error) {
	m.FinishedAt = c.now()
	m.RetryCount = retries
	outcome := "success"
	if resp != nil {
		m.StatusCode = resp.StatusCode
	}
	if err != nil {
		m.ErrorKind = string(KindOf(err))
		if m.ErrorKind == "" {
			m.ErrorKind = string(KindNetwork)
		}
		outcome = m.ErrorKind
		var e *Error
		if errors.As(err, &e) {
			m.StatusCode = e.StatusCode
		}
	}

	metrics.RequestsTotal.WithLabelValues(m.Host, m.Method, outcome).Inc()
	metrics.RequestDuration.WithLabelValues(m.Host, m.Method).Observe(m.Duration().Seconds())
	if set.metricsEnabled {
		c.recorder.Record(*m)
	}

	c.logger.Debug("request finished",
		"url", m.URL,
		"method", m.Method,
		"status", m.StatusCode,
		"outcome", outcome,
		"retries", retries,
		"cached", m.ServedFromCache,
		"duration", m.Duration(),
	)
}
