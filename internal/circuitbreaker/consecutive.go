package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
)

// Breaker is a consecutive-failure circuit breaker for a single key. It
// opens after failureThreshold failures in a row, rejects calls until the
// reset timeout elapses, then moves to half-open on the next Admit and
// closes again after minimumRequests successes.
type Breaker struct {
	mu sync.Mutex

	key    string
	logger *slog.Logger
	now    func() time.Time

	state            State
	failureCount     int
	successCount     int
	nextAttemptAt    time.Time
	lastTransitionAt time.Time

	failureThreshold int
	resetTimeout     time.Duration
	minimumRequests  int
}

// New creates a closed breaker for key.
func New(key string, cfg config.CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	return newBreaker(key, cfg, logger, time.Now)
}

func newBreaker(key string, cfg config.CircuitBreakerConfig, logger *slog.Logger, now func() time.Time) *Breaker {
	b := &Breaker{
		key:    key,
		logger: logger,
		now:    now,
		state:  StateClosed,
	}
	b.setConfig(cfg)
	return b
}

// Admit reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed moves to half-open and admits the call.
func (b *Breaker) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Before(b.nextAttemptAt) {
			metrics.CircuitRejections.WithLabelValues(b.key).Inc()
			return &OpenError{Key: b.key, RetryAt: b.nextAttemptAt}
		}
		b.transitionTo(StateHalfOpen)
	}
	return nil
}

// RecordSuccess records a 2xx outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.minimumRequests {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.failureCount++
		b.transitionTo(StateOpen)
	}
}

// ForceOpen opens the circuit for one reset timeout from now.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		b.nextAttemptAt = b.now().Add(b.resetTimeout)
		return
	}
	b.transitionTo(StateOpen)
}

// ForceClose closes the circuit and clears its counters.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.failureCount = 0
		b.successCount = 0
		return
	}
	b.transitionTo(StateClosed)
}

// State returns the stored state. It does not apply the open to half-open
// transition; only Admit does.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		Key:              b.key,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		LastTransitionAt: b.lastTransitionAt,
	}
	if b.state == StateOpen {
		s.NextAttemptAt = b.nextAttemptAt
	}
	return s
}

func (b *Breaker) updateConfig(cfg config.CircuitBreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setConfig(cfg)
}

func (b *Breaker) setConfig(cfg config.CircuitBreakerConfig) {
	b.failureThreshold = max(cfg.FailureThreshold, 1)
	b.resetTimeout = cfg.ResetTimeout()
	b.minimumRequests = max(cfg.MinimumRequests, 1)
}

// transitionTo changes the breaker state, emitting metrics and logging.
// Must be called with b.mu held.
func (b *Breaker) transitionTo(newState State) {
	if b.state == newState {
		return
	}

	from := b.state
	b.state = newState
	b.lastTransitionAt = b.now()

	metrics.CircuitBreakerStateChanges.WithLabelValues(b.key, from.String(), newState.String()).Inc()
	metrics.CircuitBreakerState.WithLabelValues(b.key).Set(float64(newState))

	b.logger.Info("circuit breaker state change",
		"key", b.key,
		"from", from.String(),
		"to", newState.String(),
		"failures", b.failureCount,
	)

	switch newState {
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
		b.nextAttemptAt = time.Time{}
	case StateOpen:
		b.nextAttemptAt = b.lastTransitionAt.Add(b.resetTimeout)
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	}
}
