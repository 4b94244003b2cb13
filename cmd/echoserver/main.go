// Package main provides an upstream for exercising netcore by hand. It
// echoes request details as JSON and has endpoints that fail, throttle or
// stall on demand, which drive the client's retry, rate-limit, circuit
// breaker and timeout paths.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type server struct {
	name   string
	logger *slog.Logger

	mu    sync.Mutex
	flaky map[string]int // key -> requests seen
}

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "echo", "service name")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			*port = n
		}
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	s := &server{name: *name, logger: logger, flaky: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("/__status/{code}", s.status)
	mux.HandleFunc("/__flaky/{key}", s.flakyHandler)
	mux.HandleFunc("/__throttle", s.throttle)
	mux.HandleFunc("/__slow", s.slow)
	mux.HandleFunc("/", s.echo)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("echo server listening", "service", *name, "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// status returns an arbitrary HTTP status code: GET /__status/503.
func (s *server) status(w http.ResponseWriter, r *http.Request) {
	code, err := strconv.Atoi(r.PathValue("code"))
	if err != nil || code < 100 || code > 599 {
		code = http.StatusInternalServerError
	}
	s.write(w, code, map[string]any{
		"requested_code": code,
		"message":        http.StatusText(code),
	})
}

// flakyHandler fails the first ?fail=N requests for a key with 503 and then
// succeeds. ?reset=1 clears the counter.
func (s *server) flakyHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	fail := 2
	if v, err := strconv.Atoi(r.URL.Query().Get("fail")); err == nil && v >= 0 {
		fail = v
	}

	s.mu.Lock()
	if r.URL.Query().Get("reset") == "1" {
		delete(s.flaky, key)
	}
	s.flaky[key]++
	seen := s.flaky[key]
	s.mu.Unlock()

	if seen <= fail {
		s.logger.Info("flaky failure", "key", key, "attempt", seen)
		s.write(w, http.StatusServiceUnavailable, map[string]any{"key": key, "attempt": seen})
		return
	}
	s.write(w, http.StatusOK, map[string]any{"key": key, "attempt": seen})
}

// throttle always answers 429 with Retry-After set from ?after= (seconds).
func (s *server) throttle(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if _, err := strconv.Atoi(after); err != nil {
		after = "1"
	}
	w.Header().Set("Retry-After", after)
	s.write(w, http.StatusTooManyRequests, map[string]any{"retry_after": after})
}

// slow waits ?ms= milliseconds before answering, or until the caller goes
// away.
func (s *server) slow(w http.ResponseWriter, r *http.Request) {
	ms, err := strconv.Atoi(r.URL.Query().Get("ms"))
	if err != nil || ms < 0 {
		ms = 1000
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		s.write(w, http.StatusOK, map[string]any{"delayed_ms": ms})
	case <-r.Context().Done():
		s.logger.Info("slow request abandoned", "delay_ms", ms)
	}
}

func (s *server) echo(w http.ResponseWriter, r *http.Request) {
	s.write(w, http.StatusOK, map[string]any{
		"method":      r.Method,
		"path":        r.URL.Path,
		"query":       r.URL.RawQuery,
		"headers":     flattenHeaders(r.Header),
		"remote_addr": r.RemoteAddr,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *server) write(w http.ResponseWriter, code int, body map[string]any) {
	body["service"] = s.name
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func flattenHeaders(h http.Header) map[string]string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		flat[k] = strings.Join(v, ", ")
	}
	return flat
}
