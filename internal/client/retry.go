package client

import (
	"context"
	"time"

	"github.com/dskow/netcore/internal/metrics"
)

// doWithRetry runs up to o.retries+1 attempts. Only timeout and network
// failures are retried. It returns the number of retries performed.
func (c *Client) doWithRetry(ctx context.Context, req *Request, host string, o *requestOptions) (*Response, int, error) {
	set := c.settings()

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := backoff(set.baseDelay, set.maxDelay, attempt-1)
			metrics.RetryTotal.WithLabelValues(host).Inc()
			c.logger.Warn("retrying request",
				"url", req.URL,
				"host", host,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr,
			)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, attempt - 1, contextError(req.URL, err)
			}
		}

		resp, err := c.attempt(ctx, req, o.timeout)
		if err == nil {
			resp.RetryCount = attempt
			return resp, attempt, nil
		}
		lastErr = err

		if attempt >= o.retries || !KindOf(err).Retryable() || ctx.Err() != nil {
			return nil, attempt, err
		}
	}
}

// backoff returns min(base*2^n, maxDelay).
func backoff(base, maxDelay time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}
	if n > 30 {
		return maxDelay
	}
	d := base << n
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
