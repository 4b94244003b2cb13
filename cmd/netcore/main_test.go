package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/netcore/internal/auth"
	"github.com/dskow/netcore/internal/client"
	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
	"github.com/dskow/netcore/internal/transport"
)

const (
	jwtSecret = "server-test-secret-key-32-chars!!"
	jwtIssuer = "netcore"
	jwtAud    = "netcore-admin"
)

func init() {
	metrics.Init()
}

type stack struct {
	base     string
	upstream *httptest.Server
	server   *server
	hits     atomic.Int32
}

// newStack starts an upstream and a netcore server in front of it, wired the
// way run wires them.
func newStack(t *testing.T) *stack {
	t.Helper()
	st := &stack{}

	st.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Seen-Request-ID", r.Header.Get("X-Request-ID"))
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"no such item"}`)
		default:
			fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
		}
	}))
	t.Cleanup(st.upstream.Close)

	cfg := config.Default()
	cfg.Retry.BaseDelayMs = 1
	cfg.Retry.MaxDelayMs = 5
	cfg.Auth = config.AuthConfig{
		Enabled:   true,
		JWTSecret: jwtSecret,
		Issuer:    jwtIssuer,
		Audience:  jwtAud,
		Scopes:    []string{"admin"},
	}
	cfg.Admin = config.AdminConfig{Enabled: true, IPAllowlist: []string{"127.0.0.1/32", "::1/128"}}

	logger := slog.New(slog.DiscardHandler)
	c, err := client.New(cfg, transport.NewWithClient(st.upstream.Client(), cfg.Transport), logger)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	st.server = newServer(cfg, c, auth.NewVerifier(cfg.Auth), logger)
	srv := httptest.NewServer(st.server.handler)
	t.Cleanup(srv.Close)
	st.base = srv.URL
	return st
}

func generateJWT(t *testing.T, scope string, expiry time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "operator",
		"iss":   jwtIssuer,
		"aud":   jwtAud,
		"exp":   time.Now().Add(expiry).Unix(),
		"scope": scope,
	})
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func httpDo(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func assertStatusCode(t *testing.T, resp *http.Response, body []byte, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d (body %s)", expected, resp.StatusCode, body)
	}
}

func assertErrorCode(t *testing.T, body []byte, expected string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("failed to parse error response: %v\nbody: %s", err, body)
	}
	if code, _ := m["error_code"].(string); code != expected {
		t.Errorf("expected error_code %q, got %q", expected, code)
	}
	return m
}

func TestHealthAndReady(t *testing.T) {
	st := newStack(t)

	resp, body := httpDo(t, http.MethodGet, st.base+"/health", nil, nil)
	assertStatusCode(t, resp, body, http.StatusOK)
	if !strings.Contains(string(body), "ok") {
		t.Errorf("expected ok in liveness body, got %s", body)
	}

	resp, body = httpDo(t, http.MethodGet, st.base+"/ready", nil, nil)
	assertStatusCode(t, resp, body, http.StatusOK)

	st.server.health.SetDraining(true)
	resp, body = httpDo(t, http.MethodGet, st.base+"/ready", nil, nil)
	assertStatusCode(t, resp, body, http.StatusServiceUnavailable)
}

func TestMetricsEndpoint(t *testing.T) {
	st := newStack(t)

	// One request so the per-host series exist.
	httpDo(t, http.MethodPost, st.base+"/admin/execute",
		map[string]any{"url": st.upstream.URL + "/warm"}, authHeader(generateJWT(t, "admin", time.Hour)))

	resp, body := httpDo(t, http.MethodGet, st.base+"/metrics", nil, nil)
	assertStatusCode(t, resp, body, http.StatusOK)
	if !strings.Contains(string(body), "netcore_requests_total") {
		t.Error("expected netcore_requests_total in metrics output")
	}
}

func TestAdminExecute_ValidToken(t *testing.T) {
	st := newStack(t)
	token := generateJWT(t, "read admin", time.Hour)

	resp, body := httpDo(t, http.MethodPost, st.base+"/admin/execute",
		map[string]any{"url": st.upstream.URL + "/items"}, authHeader(token))
	assertStatusCode(t, resp, body, http.StatusOK)

	var out struct {
		StatusCode int    `json:"status_code"`
		Body       string `json:"body"`
		FromCache  bool   `json:"from_cache"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v (body %s)", err, body)
	}
	if out.StatusCode != http.StatusOK || !strings.Contains(out.Body, `"/items"`) || out.FromCache {
		t.Errorf("unexpected execute response: %+v", out)
	}

	// The same GET again is served from the cache.
	_, body = httpDo(t, http.MethodPost, st.base+"/admin/execute",
		map[string]any{"url": st.upstream.URL + "/items"}, authHeader(token))
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.FromCache {
		t.Error("expected second execute to be a cache hit")
	}
	if got := st.hits.Load(); got != 1 {
		t.Errorf("expected 1 upstream hit, got %d", got)
	}
}

func TestAdminExecute_AuthFailures(t *testing.T) {
	st := newStack(t)
	payload := map[string]any{"url": st.upstream.URL + "/items"}

	tests := []struct {
		name    string
		headers map[string]string
		status  int
		code    string
	}{
		{"missing token", nil, http.StatusUnauthorized, "NETCORE_AUTH_MISSING_TOKEN"},
		{"expired token", authHeader(generateJWT(t, "admin", -time.Hour)), http.StatusUnauthorized, "NETCORE_AUTH_INVALID_TOKEN"},
		{"garbage token", authHeader("not.a.valid.jwt"), http.StatusUnauthorized, "NETCORE_AUTH_INVALID_TOKEN"},
		{"insufficient scope", authHeader(generateJWT(t, "read", time.Hour)), http.StatusForbidden, "NETCORE_AUTH_INSUFFICIENT_SCOPE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := httpDo(t, http.MethodPost, st.base+"/admin/execute", payload, tt.headers)
			assertStatusCode(t, resp, body, tt.status)
			assertErrorCode(t, body, tt.code)
		})
	}
	if got := st.hits.Load(); got != 0 {
		t.Errorf("rejected requests must not reach the upstream, got %d hits", got)
	}
}

func TestRequestID_Propagated(t *testing.T) {
	st := newStack(t)
	headers := authHeader(generateJWT(t, "admin", time.Hour))
	headers["X-Request-ID"] = "trace-abc-123"

	resp, body := httpDo(t, http.MethodPost, st.base+"/admin/execute",
		map[string]any{"url": st.upstream.URL + "/traced"}, headers)
	assertStatusCode(t, resp, body, http.StatusOK)
	if got := resp.Header.Get("X-Request-ID"); got != "trace-abc-123" {
		t.Errorf("expected response X-Request-ID preserved, got %q", got)
	}

	var out struct {
		Headers map[string]string `json:"headers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if got := out.Headers["X-Seen-Request-Id"]; got != "trace-abc-123" {
		t.Errorf("expected upstream to see the caller's request ID, got %q", got)
	}
}

func TestRequestID_Generated(t *testing.T) {
	st := newStack(t)

	seen := make(map[string]bool)
	for range 5 {
		resp, _ := httpDo(t, http.MethodGet, st.base+"/health", nil, nil)
		id := resp.Header.Get("X-Request-ID")
		if id == "" {
			t.Fatal("expected generated X-Request-ID")
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q", id)
		}
		seen[id] = true
	}
}

func TestErrorResponse_UpstreamNotFound(t *testing.T) {
	st := newStack(t)
	headers := authHeader(generateJWT(t, "admin", time.Hour))
	headers["X-Request-ID"] = "req-404"

	resp, body := httpDo(t, http.MethodPost, st.base+"/admin/execute",
		map[string]any{"url": st.upstream.URL + "/missing"}, headers)
	assertStatusCode(t, resp, body, http.StatusNotFound)
	m := assertErrorCode(t, body, "NETCORE_UPSTREAM_NOT_FOUND")
	if m["request_id"] != "req-404" {
		t.Errorf("expected request_id in error body, got %v", m["request_id"])
	}
	if got := st.hits.Load(); got != 1 {
		t.Errorf("404 must not be retried, got %d upstream hits", got)
	}
}

func TestAdminRoutes(t *testing.T) {
	st := newStack(t)
	headers := authHeader(generateJWT(t, "admin", time.Hour))

	for _, path := range []string{"/admin/pool", "/admin/config", "/admin/breakers", "/admin/ratelimits", "/admin/cache", "/admin/metrics/aggregate"} {
		resp, body := httpDo(t, http.MethodGet, st.base+path, nil, headers)
		assertStatusCode(t, resp, body, http.StatusOK)
	}

	resp, body := httpDo(t, http.MethodGet, st.base+"/admin/config", nil, headers)
	assertStatusCode(t, resp, body, http.StatusOK)
	if strings.Contains(string(body), jwtSecret) {
		t.Error("admin config must not expose the JWT secret")
	}
}
