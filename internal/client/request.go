package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Request is one transport call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is a completed transport call. Execute returns a copy the
// caller may modify.
type Response struct {
	StatusCode int           `json:"status_code"`
	Header     http.Header   `json:"header,omitempty"`
	Body       []byte        `json:"body,omitempty"`
	FromCache  bool          `json:"from_cache"`
	Shared     bool          `json:"shared,omitempty"`
	RetryCount int           `json:"retry_count"`
	Duration   time.Duration `json:"duration"`
}

func (r *Response) clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Transport performs a single call without retries. Implementations return
// an error only when no response was received.
type Transport interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// normalizeURL validates rawURL and returns it without a fragment, along
// with its lowercase host.
func normalizeURL(rawURL string) (string, string, error) {
	if strings.TrimSpace(rawURL) == "" {
		return "", "", validationError(rawURL, "url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", validationError(rawURL, "invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", "", validationError(rawURL, "unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", validationError(rawURL, "url has no host")
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), strings.ToLower(u.Hostname()), nil
}

func withLimit(rawURL string, limit int) string {
	u, _ := url.Parse(rawURL)
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	u.RawQuery = q.Encode()
	return u.String()
}

func validMethod(m string) bool {
	if m == "" {
		return false
	}
	for _, r := range m {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// cacheKey is "METHOD url#sha256(body)".
func cacheKey(method, url string, body []byte) string {
	sum := sha256.Sum256(body)
	return method + " " + url + "#" + hex.EncodeToString(sum[:])
}

// cacheKeyURL extracts the URL part of a cache key.
func cacheKeyURL(key string) string {
	sp := strings.IndexByte(key, ' ')
	hash := strings.LastIndexByte(key, '#')
	if sp < 0 || hash <= sp {
		return ""
	}
	return key[sp+1 : hash]
}

// parseRetryAfter reads a Retry-After header given as delay seconds or an
// HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
