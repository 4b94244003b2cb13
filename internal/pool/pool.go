// Package pool bounds the number of concurrently running requests. Callers
// beyond the limit wait in one of three priority FIFOs until a slot frees,
// and are refused outright once the wait queue is full.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dskow/netcore/internal/config"
	"github.com/dskow/netcore/internal/metrics"
)

// ErrSaturated is returned by Submit when every slot is busy and the wait
// queue is full.
var ErrSaturated = errors.New("request pool saturated")

// Priority orders waiting callers. Higher priorities start first.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority converts "low", "normal" or "high" to a Priority. An empty
// string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return Low, nil
	case "", "normal":
		return Normal, nil
	case "high":
		return High, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is a snapshot of pool occupancy.
type Status struct {
	Active        int   `json:"active"`
	Queued        int   `json:"queued"`
	Capacity      int   `json:"capacity"`
	QueueCapacity int   `json:"queue_capacity"`
	Rejected      int64 `json:"rejected"`
	Completed     int64 `json:"completed"`
}

type waiter struct {
	ready chan struct{}
}

// Pool runs submitted functions with at most maxConcurrent in flight.
type Pool struct {
	mu            sync.Mutex
	active        int
	maxConcurrent int
	maxQueue      int
	queues        [High + 1][]*waiter
	queued        int
	rejected      int64
	completed     int64
	logger        *slog.Logger
}

// New creates a Pool from the request pool configuration.
func New(cfg config.RequestPoolConfig, logger *slog.Logger) *Pool {
	return &Pool{
		maxConcurrent: max(cfg.MaxConcurrentRequests, 1),
		maxQueue:      max(cfg.MaxQueueSize, 0),
		logger:        logger,
	}
}

// Submit runs fn in the calling goroutine once a slot is available. If no
// slot is free and the queue has room, the caller waits in its priority
// tier. A full queue fails fast with ErrSaturated. If ctx ends while the
// caller is waiting, Submit returns ctx.Err() without running fn.
func (p *Pool) Submit(ctx context.Context, prio Priority, fn func(context.Context) error) error {
	if prio < Low || prio > High {
		prio = Normal
	}

	if err := p.acquire(ctx, prio); err != nil {
		return err
	}
	defer p.release(true)

	return fn(ctx)
}

func (p *Pool) acquire(ctx context.Context, prio Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.active < p.maxConcurrent {
		p.active++
		p.mu.Unlock()
		metrics.PoolActive.Inc()
		return nil
	}
	if p.queued >= p.maxQueue {
		p.rejected++
		active, queued := p.active, p.queued
		p.mu.Unlock()
		metrics.PoolRejections.Inc()
		p.logger.Warn("request pool saturated", "active", active, "queued", queued)
		return ErrSaturated
	}

	w := &waiter{ready: make(chan struct{})}
	p.queues[prio] = append(p.queues[prio], w)
	p.queued++
	p.mu.Unlock()
	metrics.PoolQueued.Inc()

	select {
	case <-w.ready:
		// The releasing caller handed its slot to us.
		return nil
	case <-ctx.Done():
		p.mu.Lock()
		if p.remove(prio, w) {
			p.mu.Unlock()
			metrics.PoolQueued.Dec()
			return ctx.Err()
		}
		p.mu.Unlock()
		// Slot was handed over concurrently; pass it on.
		p.release(false)
		return ctx.Err()
	}
}

// remove deletes w from its tier. Must be called with p.mu held.
func (p *Pool) remove(prio Priority, w *waiter) bool {
	q := p.queues[prio]
	for i, cand := range q {
		if cand == w {
			copy(q[i:], q[i+1:])
			q[len(q)-1] = nil
			p.queues[prio] = q[:len(q)-1]
			p.queued--
			return true
		}
	}
	return false
}

// dequeue pops the oldest waiter of the highest non-empty tier. Must be
// called with p.mu held.
func (p *Pool) dequeue() *waiter {
	for prio := High; prio >= Low; prio-- {
		q := p.queues[prio]
		if len(q) == 0 {
			continue
		}
		w := q[0]
		q[0] = nil
		p.queues[prio] = q[1:]
		p.queued--
		return w
	}
	return nil
}

// release hands the caller's slot to the next waiter or frees it.
func (p *Pool) release(ran bool) {
	p.mu.Lock()
	if ran {
		p.completed++
	}
	if p.active <= p.maxConcurrent {
		if w := p.dequeue(); w != nil {
			p.mu.Unlock()
			metrics.PoolQueued.Dec()
			close(w.ready)
			return
		}
	}
	p.active--
	p.mu.Unlock()
	metrics.PoolActive.Dec()
}

func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Active:        p.active,
		Queued:        p.queued,
		Capacity:      p.maxConcurrent,
		QueueCapacity: p.maxQueue,
		Rejected:      p.rejected,
		Completed:     p.completed,
	}
}

// Resize changes the concurrency and queue limits. Growing the concurrency
// limit starts waiting callers immediately; shrinking it takes effect as
// running calls finish. Callers already queued beyond a smaller queue limit
// keep their place.
func (p *Pool) Resize(maxConcurrent, maxQueue int) {
	p.mu.Lock()
	p.maxConcurrent = max(maxConcurrent, 1)
	p.maxQueue = max(maxQueue, 0)

	var started []*waiter
	for p.active < p.maxConcurrent {
		w := p.dequeue()
		if w == nil {
			break
		}
		p.active++
		started = append(started, w)
	}
	p.mu.Unlock()

	for _, w := range started {
		metrics.PoolQueued.Dec()
		metrics.PoolActive.Inc()
		close(w.ready)
	}
	p.logger.Info("request pool resized", "max_concurrent", maxConcurrent, "max_queue", maxQueue)
}
