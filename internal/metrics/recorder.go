package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the number of request records kept when no size is
// configured.
const DefaultBufferSize = 10000

// RequestMetric is the outcome of one logical request.
type RequestMetric struct {
	ID              string    `json:"id"`
	URL             string    `json:"url"`
	Method          string    `json:"method"`
	Host            string    `json:"host"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	StatusCode      int       `json:"status_code,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	RetryCount      int       `json:"retry_count"`
	ServedFromCache bool      `json:"served_from_cache"`
	Shared          bool      `json:"shared,omitempty"`
}

// Duration returns the elapsed time of the request, or zero if it has not
// finished.
func (m RequestMetric) Duration() time.Duration {
	if m.FinishedAt.IsZero() {
		return 0
	}
	return m.FinishedAt.Sub(m.StartedAt)
}

// Failed reports whether the request ended in an error.
func (m RequestMetric) Failed() bool {
	return m.ErrorKind != ""
}

// Aggregate summarizes the records currently held by a Recorder. Rates are
// fractions in [0, 1].
type Aggregate struct {
	TotalRequests         int     `json:"total_requests"`
	AverageResponseTimeMs float64 `json:"average_response_time_ms"`
	ErrorRate             float64 `json:"error_rate"`
	SuccessRate           float64 `json:"success_rate"`
	CacheHitRate          float64 `json:"cache_hit_rate"`
	TotalRetries          int     `json:"total_retries"`
}

// Recorder keeps the most recent request records in memory. When the
// buffer overflows, the oldest half is discarded in one step.
type Recorder struct {
	mu       sync.Mutex
	buf      []RequestMetric
	capacity int
}

// NewRecorder creates a Recorder that holds at most capacity records.
func NewRecorder(capacity int) *Recorder {
	if capacity < 2 {
		capacity = DefaultBufferSize
	}
	return &Recorder{capacity: capacity}
}

// Record appends m, assigning an ID if it has none.
func (r *Recorder) Record(m RequestMetric) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, m)
	if len(r.buf) > r.capacity {
		drop := len(r.buf) / 2
		kept := make([]RequestMetric, len(r.buf)-drop, r.capacity)
		copy(kept, r.buf[drop:])
		r.buf = kept
	}
}

// Len returns the number of records held.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Snapshot returns a copy of every record, oldest first.
func (r *Recorder) Snapshot() []RequestMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RequestMetric, len(r.buf))
	copy(out, r.buf)
	return out
}

// Recent returns up to n of the newest records, oldest first.
func (r *Recorder) Recent(n int) []RequestMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.buf) {
		n = len(r.buf)
	}
	out := make([]RequestMetric, n)
	copy(out, r.buf[len(r.buf)-n:])
	return out
}

// Reset discards every record.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()
}

// Resize changes the capacity. Records beyond the new capacity are dropped
// oldest first.
func (r *Recorder) Resize(capacity int) {
	if capacity < 2 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capacity = capacity
	if len(r.buf) > capacity {
		r.buf = append([]RequestMetric(nil), r.buf[len(r.buf)-capacity:]...)
	}
}

// Aggregate computes totals and ratios over the current buffer. Average
// response time covers finished records only.
func (r *Recorder) Aggregate() Aggregate {
	r.mu.Lock()
	defer r.mu.Unlock()

	var agg Aggregate
	agg.TotalRequests = len(r.buf)
	if agg.TotalRequests == 0 {
		return agg
	}

	var (
		failed   int
		hits     int
		finished int
		total    time.Duration
	)
	for _, m := range r.buf {
		if m.Failed() {
			failed++
		}
		if m.ServedFromCache {
			hits++
		}
		if !m.FinishedAt.IsZero() {
			finished++
			total += m.Duration()
		}
		agg.TotalRetries += m.RetryCount
	}

	n := float64(agg.TotalRequests)
	agg.ErrorRate = float64(failed) / n
	agg.SuccessRate = 1 - agg.ErrorRate
	agg.CacheHitRate = float64(hits) / n
	if finished > 0 {
		agg.AverageResponseTimeMs = float64(total.Microseconds()) / float64(finished) / 1000
	}
	return agg
}
