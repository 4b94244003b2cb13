// Package circuitbreaker provides per-key circuit breakers that stop
// outbound calls to a host after repeated failures and probe it again once
// a reset timeout has elapsed.
package circuitbreaker

import (
	"errors"
	"fmt"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation; requests pass through.
	StateOpen                  // Failing; requests are rejected immediately.
	StateHalfOpen              // Probing; successes are counted toward closing.
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrOpen matches any rejection by an open circuit.
var ErrOpen = errors.New("circuit breaker is open")

// OpenError is returned by Admit while the circuit is open.
type OpenError struct {
	Key     string
	RetryAt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open until %s", e.Key, e.RetryAt.Format(time.RFC3339))
}

// Is reports whether target is ErrOpen.
func (e *OpenError) Is(target error) bool {
	return target == ErrOpen
}

// Snapshot is a point-in-time copy of one breaker's state.
type Snapshot struct {
	Key              string    `json:"key"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	NextAttemptAt    time.Time `json:"next_attempt_at,omitempty"`
	LastTransitionAt time.Time `json:"last_transition_at,omitempty"`
}
