package client

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BatchRequest is one entry of a Batch or Stream.
type BatchRequest struct {
	URL     string
	Options []RequestOption
}

// BatchResult is the outcome of one BatchRequest. Index is the position of
// the request in its input.
type BatchResult struct {
	Index    int
	URL      string
	Response *Response
	Err      error
}

type batchOptions struct {
	dispatch *rate.Limiter
}

// BatchOption customizes Batch and Stream.
type BatchOption func(*batchOptions)

// WithDispatchRate paces how fast requests are started, independent of the
// per-host rate limiter.
func WithDispatchRate(rps float64, burst int) BatchOption {
	return func(o *batchOptions) {
		o.dispatch = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

func (c *Client) batchConcurrency(n int) int {
	if n > 0 {
		return n
	}
	return c.Config().RequestPool.MaxConcurrentRequests
}

// Batch executes every request with at most concurrency in flight and
// returns the results in input order. A failed request never cancels the
// others. A non-positive concurrency uses the pool size.
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest, concurrency int, opts ...BatchOption) []BatchResult {
	var bo batchOptions
	for _, opt := range opts {
		opt(&bo)
	}

	results := make([]BatchResult, len(reqs))
	var g errgroup.Group
	g.SetLimit(c.batchConcurrency(concurrency))

	for i, r := range reqs {
		results[i] = BatchResult{Index: i, URL: r.URL}
		if bo.dispatch != nil {
			if err := bo.dispatch.Wait(ctx); err != nil {
				results[i].Err = contextError(r.URL, err)
				continue
			}
		}
		g.Go(func() error {
			results[i].Response, results[i].Err = c.Execute(ctx, r.URL, r.Options...)
			return nil
		})
	}
	g.Wait() //nolint:errcheck
	return results
}

// Stream executes requests as they arrive on in, with at most concurrency
// in flight, and sends each result as soon as it completes. The returned
// channel is closed after in is closed and every started request has
// finished, or once ctx is done.
func (c *Client) Stream(ctx context.Context, in <-chan BatchRequest, concurrency int, opts ...BatchOption) <-chan BatchResult {
	var bo batchOptions
	for _, opt := range opts {
		opt(&bo)
	}

	out := make(chan BatchResult)
	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(c.batchConcurrency(concurrency))
		defer g.Wait() //nolint:errcheck

		for i := 0; ; i++ {
			var (
				r  BatchRequest
				ok bool
			)
			select {
			case <-ctx.Done():
				return
			case r, ok = <-in:
				if !ok {
					return
				}
			}
			if bo.dispatch != nil {
				if err := bo.dispatch.Wait(ctx); err != nil {
					return
				}
			}

			g.Go(func() error {
				resp, err := c.Execute(ctx, r.URL, r.Options...)
				select {
				case out <- BatchResult{Index: i, URL: r.URL, Response: resp, Err: err}:
				case <-ctx.Done():
				}
				return nil
			})
		}
	}()
	return out
}
