package client_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dskow/netcore/internal/client"
	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
	"github.com/dskow/netcore/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newHTTPClient(t *testing.T, srv *httptest.Server, mutate func(*config.Config)) *client.Client {
	t.Helper()
	metrics.Init()

	cfg := config.Default()
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	if mutate != nil {
		mutate(cfg)
	}

	tr := transport.NewWithClient(srv.Client(), cfg.Transport)
	c, err := client.New(cfg, tr, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEnd_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := newHTTPClient(t, srv, nil)
	resp, err := c.Execute(context.Background(), srv.URL+"/flaky")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RetryCount != 3 || string(resp.Body) != "ok" {
		t.Errorf("expected 3 retries and body ok, got %d %q", resp.RetryCount, resp.Body)
	}
	if hits.Load() != 4 {
		t.Errorf("expected 4 server hits, got %d", hits.Load())
	}
}

func TestEndToEnd_IdempotentCacheHit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	c := newHTTPClient(t, srv, nil)
	before := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit"))

	for i := 0; i < 3; i++ {
		if _, err := c.Execute(context.Background(), srv.URL+"/users/1"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 server hit, got %d", hits.Load())
	}
	if got := testutil.ToFloat64(metrics.CacheLookups.WithLabelValues("hit")) - before; got != 2 {
		t.Errorf("expected 2 cache hits recorded, got %v", got)
	}
}

func TestEndToEnd_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newHTTPClient(t, srv, func(cfg *config.Config) {
		cfg.RateLimit.RequestsPerSecond = 1
		cfg.RateLimit.BurstSize = 1
	})

	if _, err := c.Execute(context.Background(), srv.URL+"/a"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := c.Execute(context.Background(), srv.URL+"/b")
	if !errors.Is(err, client.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestEndToEnd_CircuitOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newHTTPClient(t, srv, func(cfg *config.Config) {
		cfg.CircuitBreaker.FailureThreshold = 3
		zero := 0
		cfg.Retry.MaxRetries = &zero
	})

	for i := 0; i < 3; i++ {
		c.Execute(context.Background(), srv.URL)
	}
	_, err := c.Execute(context.Background(), srv.URL)
	if !errors.Is(err, client.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 server hits, got %d", hits.Load())
	}

	states := c.CircuitStates()
	if len(states) != 1 || states[0].State.String() != "open" {
		t.Errorf("unexpected breaker states: %+v", states)
	}
}

func TestEndToEnd_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := newHTTPClient(t, srv, nil)
	_, err := c.Execute(context.Background(), srv.URL, client.WithTimeout(20*time.Millisecond), client.WithRetries(0))
	if !errors.Is(err, client.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestEndToEnd_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	c := newHTTPClient(t, srv, nil)
	reqs := []client.BatchRequest{
		{URL: srv.URL + "/one"},
		{URL: srv.URL + "/missing"},
		{URL: srv.URL + "/three", Options: []client.RequestOption{client.WithMethod(http.MethodPost)}},
	}

	results := c.Batch(context.Background(), reqs, 2, client.WithDispatchRate(100, 1))
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || string(results[0].Response.Body) != "/one" {
		t.Errorf("result 0: %+v", results[0])
	}
	if !errors.Is(results[1].Err, client.ErrNotFound) {
		t.Errorf("result 1: expected not found, got %v", results[1].Err)
	}
	if results[2].Err != nil || string(results[2].Response.Body) != "/three" || results[2].Index != 2 {
		t.Errorf("result 2: %+v", results[2])
	}
}

func TestEndToEnd_Stream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	c := newHTTPClient(t, srv, nil)
	in := make(chan client.BatchRequest)
	go func() {
		defer close(in)
		for _, p := range []string{"/a", "/b", "/c", "/d"} {
			in <- client.BatchRequest{URL: srv.URL + p}
		}
	}()

	seen := make(map[int]bool)
	for res := range c.Stream(context.Background(), in, 2) {
		if res.Err != nil {
			t.Errorf("request %d: %v", res.Index, res.Err)
		}
		seen[res.Index] = true
	}
	if len(seen) != 4 {
		t.Errorf("expected 4 distinct results, got %v", seen)
	}
}

func TestEndToEnd_StreamStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newHTTPClient(t, srv, nil)
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan client.BatchRequest)
	out := c.Stream(ctx, in, 1)
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			// A result may race with cancellation; drain until closed.
			for range out {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancellation")
	}
}
