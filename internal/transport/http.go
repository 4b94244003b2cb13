// Package transport performs single outbound HTTP calls for the client.
// It owns connection pooling, TLS, the User-Agent and response size limits;
// retries and admission control live in the client.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dskow/netcore/internal/client"
	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/tlsutil"
	"github.com/google/uuid"
)

// HTTP implements client.Transport over net/http.
type HTTP struct {
	client           *http.Client
	userAgent        string
	maxResponseBytes int64
	certs            *tlsutil.CertLoader
}

var _ client.Transport = (*HTTP)(nil)

// New builds an HTTP transport with its own connection pool.
func New(cfg config.TransportConfig, logger *slog.Logger) (*HTTP, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdlePerHost,
		IdleConnTimeout:       cfg.IdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	var certs *tlsutil.CertLoader
	if cfg.TLS.Enabled() {
		tlsCfg, loader, err := tlsutil.ClientConfig(cfg.TLS, logger)
		if err != nil {
			return nil, fmt.Errorf("transport TLS: %w", err)
		}
		tr.TLSClientConfig = tlsCfg
		certs = loader
	}

	h := NewWithClient(&http.Client{Transport: tr}, cfg)
	h.certs = certs
	return h, nil
}

// NewWithClient wraps an existing http.Client, for example one returned by
// httptest.Server.Client.
func NewWithClient(c *http.Client, cfg config.TransportConfig) *HTTP {
	return &HTTP{
		client:           c,
		userAgent:        cfg.UserAgent,
		maxResponseBytes: cfg.MaxResponseBytes,
	}
}

// Do sends req and reads the whole response body. Non-2xx statuses are
// returned as responses, not errors.
func (h *HTTP) Do(ctx context.Context, req *client.Request) (*client.Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if req.Header != nil {
		hreq.Header = req.Header.Clone()
	}
	if h.userAgent != "" && hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", h.userAgent)
	}
	if hreq.Header.Get("X-Request-ID") == "" {
		hreq.Header.Set("X-Request-ID", uuid.NewString())
	}

	resp, err := h.client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	reader := io.Reader(resp.Body)
	if h.maxResponseBytes > 0 {
		reader = io.LimitReader(resp.Body, h.maxResponseBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if h.maxResponseBytes > 0 && int64(len(data)) > h.maxResponseBytes {
		return nil, &client.Error{
			Kind:       client.KindResponseTooLarge,
			URL:        req.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("body exceeds %d bytes", h.maxResponseBytes),
		}
	}

	return &client.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Close releases idle connections and stops certificate watching.
func (h *HTTP) Close() {
	h.client.CloseIdleConnections()
	if h.certs != nil {
		h.certs.Stop()
	}
}
