package client

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a request failure.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindRateLimited      Kind = "rate_limited"
	KindCircuitOpen      Kind = "circuit_open"
	KindTimeout          Kind = "timeout"
	KindNetwork          Kind = "network"
	KindAuthentication   Kind = "authentication"
	KindNotFound         Kind = "not_found"
	KindPoolSaturated    Kind = "pool_saturated"
	KindResponseTooLarge Kind = "response_too_large" // body over the transport's size cap
)

// Retryable reports whether the retry loop tries again after this kind.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindNetwork
}

// Error is returned by Execute for every failed request.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int           // remote status, zero if no response was received
	RetryAfter time.Duration // hint for rate_limited and circuit_open
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.URL != "" {
		b.WriteString(" ")
		b.WriteString(e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so the package sentinels
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrValidation       = &Error{Kind: KindValidation}
	ErrRateLimited      = &Error{Kind: KindRateLimited}
	ErrCircuitOpen      = &Error{Kind: KindCircuitOpen}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrAuthentication   = &Error{Kind: KindAuthentication}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrPoolSaturated    = &Error{Kind: KindPoolSaturated}
	ErrResponseTooLarge = &Error{Kind: KindResponseTooLarge}
)

// KindOf returns the kind of err, or "" if err is nil or not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func validationError(url, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, URL: url, Err: fmt.Errorf(format, args...)}
}
