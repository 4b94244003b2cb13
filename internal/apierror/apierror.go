// Package apierror provides the JSON error body written by the operational
// server. Admin handlers, auth and the middleware chain all go through
// WriteJSON so clients see one shape with stable error codes.
package apierror

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/dskow/netcore/internal/client"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes are part of the public API; do not rename or remove them.
const (
	InvalidRequest        ErrorCode = "NETCORE_INVALID_REQUEST"
	NotFound              ErrorCode = "NETCORE_NOT_FOUND"
	MethodNotAllowed      ErrorCode = "NETCORE_METHOD_NOT_ALLOWED"
	Forbidden             ErrorCode = "NETCORE_FORBIDDEN"
	AuthMissingToken      ErrorCode = "NETCORE_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "NETCORE_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "NETCORE_AUTH_INSUFFICIENT_SCOPE"
	BodyTooLarge          ErrorCode = "NETCORE_BODY_TOO_LARGE"
	RateLimited           ErrorCode = "NETCORE_RATE_LIMITED"
	CircuitOpen           ErrorCode = "NETCORE_CIRCUIT_OPEN"
	PoolSaturated         ErrorCode = "NETCORE_POOL_SATURATED"
	UpstreamTimeout       ErrorCode = "NETCORE_UPSTREAM_TIMEOUT"
	UpstreamUnavailable   ErrorCode = "NETCORE_UPSTREAM_UNAVAILABLE"
	UpstreamAuth          ErrorCode = "NETCORE_UPSTREAM_AUTH"
	UpstreamNotFound      ErrorCode = "NETCORE_UPSTREAM_NOT_FOUND"
	UpstreamTooLarge      ErrorCode = "NETCORE_UPSTREAM_RESPONSE_TOO_LARGE"
	InternalError         ErrorCode = "NETCORE_INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the most common rejections. They carry no
// request_id since it varies per request.
var (
	preForbidden        = mustMarshal(http.StatusForbidden, Forbidden, "client IP not allowed")
	preAuthMissingToken = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preMethodNotAllowed = mustMarshal(http.StatusMethodNotAllowed, MethodNotAllowed, "method not allowed")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request ID is taken
// from the X-Request-ID header when r is non-nil.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == Forbidden && status == http.StatusForbidden && message == "client IP not allowed":
		return preForbidden
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == MethodNotAllowed && status == http.StatusMethodNotAllowed && message == "method not allowed":
		return preMethodNotAllowed
	}
	return nil
}

// FromError maps a client error to the HTTP status and code returned to
// callers of the operational API.
func FromError(err error) (int, ErrorCode) {
	switch client.KindOf(err) {
	case client.KindValidation:
		return http.StatusBadRequest, InvalidRequest
	case client.KindRateLimited:
		return http.StatusTooManyRequests, RateLimited
	case client.KindCircuitOpen:
		return http.StatusServiceUnavailable, CircuitOpen
	case client.KindPoolSaturated:
		return http.StatusServiceUnavailable, PoolSaturated
	case client.KindTimeout:
		return http.StatusGatewayTimeout, UpstreamTimeout
	case client.KindAuthentication:
		return http.StatusBadGateway, UpstreamAuth
	case client.KindNotFound:
		return http.StatusNotFound, UpstreamNotFound
	case client.KindResponseTooLarge:
		return http.StatusBadGateway, UpstreamTooLarge
	case client.KindNetwork:
		return http.StatusBadGateway, UpstreamUnavailable
	}
	return http.StatusInternalServerError, InternalError
}

// WriteError writes err using FromError. A retry hint on the error becomes a
// Retry-After header rounded up to whole seconds.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := FromError(err)

	var ce *client.Error
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		secs := int(math.Ceil(ce.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	msg := err.Error()
	if code == InternalError {
		msg = "internal error"
	}
	WriteJSON(w, r, status, code, msg)
}
