package client

import (
	"net/http"
	"time"

	"github.com/dskow/netcore/internal/pool"
)

// MaxLimit is the largest page size WithLimit accepts.
const MaxLimit = 1000

type requestOptions struct {
	method        string
	header        http.Header
	body          []byte
	timeout       time.Duration
	retries       int
	priority      pool.Priority
	skipCache     bool
	skipRateLimit bool
	cacheTTL      time.Duration
	limit         int
	limitSet      bool
}

// RequestOption customizes a single Execute call.
type RequestOption func(*requestOptions)

// WithMethod sets the HTTP method. The default is GET.
func WithMethod(method string) RequestOption {
	return func(o *requestOptions) { o.method = method }
}

// WithHeader adds a request header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithBody sets the request body. The body is part of the cache key.
func WithBody(body []byte) RequestOption {
	return func(o *requestOptions) { o.body = body }
}

// WithTimeout overrides the per-attempt timeout.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithRetries overrides the number of retries after the first attempt.
func WithRetries(n int) RequestOption {
	return func(o *requestOptions) { o.retries = n }
}

// WithPriority sets the pool priority used while waiting for a slot.
func WithPriority(p pool.Priority) RequestOption {
	return func(o *requestOptions) { o.priority = p }
}

// WithSkipCache bypasses both cache lookup and cache population.
func WithSkipCache() RequestOption {
	return func(o *requestOptions) { o.skipCache = true }
}

// WithSkipRateLimit bypasses local rate limit admission.
func WithSkipRateLimit() RequestOption {
	return func(o *requestOptions) { o.skipRateLimit = true }
}

// WithCacheTTL overrides how long a successful response is cached.
func WithCacheTTL(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.cacheTTL = d }
}

// WithLimit appends a limit=n query parameter. n must be in [1, MaxLimit].
func WithLimit(n int) RequestOption {
	return func(o *requestOptions) {
		o.limit = n
		o.limitSet = true
	}
}
