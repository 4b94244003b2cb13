// Package middleware provides the HTTP middleware of the operational server:
// request IDs, access logging, panic recovery and body limits.
package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// LoggingOptions tunes the Logging middleware.
type LoggingOptions struct {
	// QuietPaths are logged at Debug instead of Info. Probes and scrapes go
	// here.
	QuietPaths []string
	// BodyLogging captures text request and response bodies, with common
	// secret fields redacted.
	BodyLogging     bool
	MaxBodyLogBytes int
}

// Logging emits one structured entry per request with method, path,
// status, latency, client IP and request ID.
func Logging(logger *slog.Logger, opts LoggingOptions) func(http.Handler) http.Handler {
	quiet := make(map[string]bool, len(opts.QuietPaths))
	for _, p := range opts.QuietPaths {
		quiet[p] = true
	}
	maxBody := opts.MaxBodyLogBytes
	if maxBody <= 0 {
		maxBody = 4096
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			level := slog.LevelInfo
			if quiet[r.URL.Path] {
				level = slog.LevelDebug
			}
			if !logger.Enabled(r.Context(), level) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			var reqBody string
			if opts.BodyLogging && r.Body != nil && isTextual(r.Header.Get("Content-Type")) {
				reqBody = captureRequestBody(r, maxBody)
			}

			recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			var capture *bodyCapture
			if opts.BodyLogging {
				capture = bodyCapturePool.Get().(*bodyCapture)
				capture.Reset()
				capture.maxBytes = maxBody
				recorder.ResponseWriter = &bodyRecorder{ResponseWriter: w, capture: capture}
				defer bodyCapturePool.Put(capture)
			}

			next.ServeHTTP(recorder, r)

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", recorder.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"client_ip", r.RemoteAddr,
				"request_id", GetRequestID(r.Context()),
			}
			if reqBody != "" {
				attrs = append(attrs, "request_body", reqBody)
			}
			if capture != nil && isTextual(capture.contentType) {
				if body := capture.String(); body != "" {
					attrs = append(attrs, "response_body", redactSensitive(body))
				}
			}

			logger.Log(r.Context(), level, "request", attrs...)
		})
	}
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "json") ||
		strings.HasPrefix(ct, "text/") ||
		strings.Contains(ct, "xml") ||
		strings.Contains(ct, "form-urlencoded")
}

// captureRequestBody returns up to maxBytes of the body and restores r.Body
// for the handler.
func captureRequestBody(r *http.Request, maxBytes int) string {
	var buf bytes.Buffer
	limited := io.LimitReader(io.TeeReader(r.Body, &buf), int64(maxBytes)+1)
	captured, _ := io.ReadAll(limited)
	r.Body = io.NopCloser(io.MultiReader(&buf, r.Body))

	s := string(captured)
	if len(captured) > maxBytes {
		s = s[:maxBytes] + "...[truncated]"
	}
	return redactSensitive(s)
}

var sensitiveFieldRe = regexp.MustCompile(
	`(?i)"(?:password|secret|jwt_secret|token|key|authorization)"\s*:\s*"[^"]*"`,
)

// redactSensitive masks the values of common secret JSON fields.
func redactSensitive(s string) string {
	return sensitiveFieldRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[:strings.LastIndex(match, `"`)]
		valueOpen := strings.LastIndex(inner, `"`)
		if valueOpen == -1 {
			return match
		}
		return match[:valueOpen+1] + `***"`
	})
}

var bodyCapturePool = sync.Pool{
	New: func() any { return &bodyCapture{} },
}

// bodyCapture collects response body bytes up to a limit.
type bodyCapture struct {
	buf         bytes.Buffer
	maxBytes    int
	contentType string
}

func (bc *bodyCapture) Reset() {
	bc.buf.Reset()
	bc.maxBytes = 0
	bc.contentType = ""
}

func (bc *bodyCapture) Write(p []byte) {
	remaining := bc.maxBytes - bc.buf.Len()
	if remaining <= 0 {
		return
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	bc.buf.Write(p)
}

func (bc *bodyCapture) String() string {
	return bc.buf.String()
}

// bodyRecorder tees response bytes into a bodyCapture.
type bodyRecorder struct {
	http.ResponseWriter
	capture       *bodyCapture
	headerWritten bool
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.noteHeader()
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	br.noteHeader()
	br.capture.Write(b)
	return br.ResponseWriter.Write(b)
}

func (br *bodyRecorder) noteHeader() {
	if !br.headerWritten {
		br.headerWritten = true
		br.capture.contentType = br.ResponseWriter.Header().Get("Content-Type")
	}
}
