package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dskow/netcore/internal/client"
	"github.com/dskow/netcore/internal/config"
)

func testTransportConfig() config.TransportConfig {
	return config.Default().Transport
}

func TestHTTP_DoSendsRequest(t *testing.T) {
	var (
		gotMethod, gotUA, gotID, gotCustom string
		gotBody                            []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotUA = r.Header.Get("User-Agent")
		gotID = r.Header.Get("X-Request-ID")
		gotCustom = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Reply", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	h := NewWithClient(srv.Client(), testTransportConfig())
	resp, err := h.Do(context.Background(), &client.Request{
		Method: http.MethodPost,
		URL:    srv.URL + "/items",
		Header: http.Header{"X-Custom": []string{"v"}},
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.StatusCode != http.StatusCreated {
		t.Errorf("expected 201, got %d", resp.StatusCode)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("unexpected body %q", resp.Body)
	}
	if resp.Header.Get("X-Reply") != "yes" {
		t.Error("expected response header to be returned")
	}
	if gotMethod != http.MethodPost || string(gotBody) != "payload" || gotCustom != "v" {
		t.Errorf("request not forwarded: method=%s body=%q custom=%q", gotMethod, gotBody, gotCustom)
	}
	if gotUA != "netcore/1.0" {
		t.Errorf("expected default user agent, got %q", gotUA)
	}
	if gotID == "" {
		t.Error("expected X-Request-ID to be generated")
	}
}

func TestHTTP_KeepsCallerRequestID(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Request-ID")
	}))
	defer srv.Close()

	h := NewWithClient(srv.Client(), testTransportConfig())
	_, err := h.Do(context.Background(), &client.Request{
		Method: http.MethodGet,
		URL:    srv.URL,
		Header: http.Header{"X-Request-Id": []string{"abc-123"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotID != "abc-123" {
		t.Errorf("expected caller request ID, got %q", gotID)
	}
}

func TestHTTP_NonSuccessIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewWithClient(srv.Client(), testTransportConfig())
	resp, err := h.Do(context.Background(), &client.Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestHTTP_ResponseTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	cfg := testTransportConfig()
	cfg.MaxResponseBytes = 16
	h := NewWithClient(srv.Client(), cfg)
	_, err := h.Do(context.Background(), &client.Request{Method: http.MethodGet, URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "exceeds 16 bytes") {
		t.Fatalf("expected size error, got %v", err)
	}
	if !errors.Is(err, client.ErrResponseTooLarge) || client.KindOf(err).Retryable() {
		t.Errorf("expected non-retryable response_too_large error, got %v", err)
	}
}

func TestHTTP_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	h := NewWithClient(srv.Client(), testTransportConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := h.Do(ctx, &client.Request{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNew_WithoutTLS(t *testing.T) {
	h, err := New(testTransportConfig(), slog.Default())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer h.Close()
	if h.certs != nil {
		t.Error("expected no certificate loader without TLS config")
	}
}

func TestNew_BadCAFile(t *testing.T) {
	cfg := testTransportConfig()
	cfg.TLS.CAFile = "/nonexistent/ca.pem"
	if _, err := New(cfg, slog.Default()); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}
