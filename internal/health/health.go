// Package health provides liveness and readiness probe handlers for the
// operational server.
package health

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"

	"github.com/dskow/netcore/internal/circuitbreaker"
	"github.com/dskow/netcore/internal/pool"
)

var livenessBody = []byte(`{"status":"ok"}` + "\n")

// Source is the client state readiness is derived from.
type Source interface {
	PoolStatus() pool.Status
	CircuitStates() []circuitbreaker.Snapshot
}

// Handler serves /health and /ready.
type Handler struct {
	src      Source
	logger   *slog.Logger
	draining atomic.Bool
}

func New(src Source, logger *slog.Logger) *Handler {
	return &Handler{src: src, logger: logger}
}

// RegisterRoutes adds the probe routes to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.liveness)
	mux.HandleFunc("/ready", h.readiness)
}

// SetDraining marks the process as shutting down; /ready then reports 503
// so load balancers stop sending work before the server closes.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

func (h *Handler) liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(livenessBody) //nolint:errcheck
}

type readinessResponse struct {
	Status       string      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Pool         pool.Status `json:"pool"`
	OpenCircuits []string    `json:"open_circuits"`
}

// readiness is 503 while draining or while the request pool cannot accept
// more work. Open circuits are reported but do not fail the probe; they
// affect single hosts, not the process.
func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	ps := h.src.PoolStatus()
	resp := readinessResponse{Status: "ready", Pool: ps, OpenCircuits: []string{}}

	for _, s := range h.src.CircuitStates() {
		if s.State == circuitbreaker.StateOpen {
			resp.OpenCircuits = append(resp.OpenCircuits, s.Key)
		}
	}
	sort.Strings(resp.OpenCircuits)

	switch {
	case h.draining.Load():
		resp.Reason = "draining"
	case ps.Active >= ps.Capacity && ps.Queued >= ps.QueueCapacity:
		resp.Reason = "request pool saturated"
	}

	status := http.StatusOK
	if resp.Reason != "" {
		resp.Status = "not ready"
		status = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed", "reason", resp.Reason)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}
