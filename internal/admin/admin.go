// Package admin exposes the client's runtime state and operator actions over
// HTTP. Every endpoint is protected by the IP allowlist and, when enabled,
// by bearer token authentication.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dskow/netcore/internal/apierror"
	"github.com/dskow/netcore/internal/auth"
	"github.com/dskow/netcore/internal/client"
	"github.com/dskow/netcore/internal/middleware"
	"github.com/dskow/netcore/internal/pool"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

// Handler serves the /admin/ endpoints.
type Handler struct {
	client   *client.Client
	verifier *auth.Verifier
	logger   *slog.Logger

	mu          sync.RWMutex
	allowedNets []*net.IPNet
}

// New creates a Handler. The allowlist CIDRs must already be validated by
// config.Validate; invalid entries are skipped. verifier may be nil.
func New(c *client.Client, verifier *auth.Verifier, allowlist []string, logger *slog.Logger) *Handler {
	h := &Handler{client: c, verifier: verifier, logger: logger}
	h.SetAllowlist(allowlist)
	return h
}

// SetAllowlist replaces the allowed client networks.
func (h *Handler) SetAllowlist(allowlist []string) {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		nets = append(nets, ipNet)
	}
	h.mu.Lock()
	h.allowedNets = nets
	h.mu.Unlock()
}

// RegisterRoutes adds the admin routes to mux. maxBodyBytes caps POST
// bodies.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, maxBodyBytes int64) {
	get := func(path string, fn http.HandlerFunc) {
		mux.Handle(path, h.guard(http.MethodGet, fn))
	}
	post := func(path string, fn http.HandlerFunc) {
		mux.Handle(path, middleware.BodyLimit(maxBodyBytes)(h.guard(http.MethodPost, fn)))
	}

	get("/admin/pool", h.poolHandler)
	get("/admin/config", h.configHandler)
	get("/admin/metrics", h.metricsHandler)
	get("/admin/metrics/aggregate", h.aggregateHandler)
	post("/admin/metrics/reset", h.resetMetricsHandler)
	get("/admin/breakers", h.breakersHandler)
	post("/admin/breakers/open", h.forceOpenHandler)
	post("/admin/breakers/close", h.forceCloseHandler)
	get("/admin/ratelimits", h.rateLimitsHandler)
	post("/admin/ratelimits/reset", h.resetRateLimitHandler)
	get("/admin/cache", h.cacheHandler)
	post("/admin/cache/invalidate", h.invalidateHandler)
	post("/admin/cache/clear", h.clearCacheHandler)
	post("/admin/execute", h.executeHandler)
}

// guard enforces method, IP allowlist and authentication, in that order.
func (h *Handler) guard(method string, next http.HandlerFunc) http.Handler {
	authed := http.Handler(next)
	if h.verifier != nil {
		authed = auth.Middleware(h.verifier, h.logger)(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
			return
		}
		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			apierror.WriteJSON(w, r, http.StatusForbidden, apierror.Forbidden, "client IP not allowed")
			return
		}
		authed.ServeHTTP(w, r)
	})
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) poolHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.PoolStatus())
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	redacted := *h.client.Config()
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

// metricsHandler returns the newest request metrics; ?limit= bounds the
// count (default 100, max 1000).
func (h *Handler) metricsHandler(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(w, r, "limit", defaultPageSize, 1, maxPageSize)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": h.client.RecentMetrics(limit),
	})
}

func (h *Handler) aggregateHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.AggregatedMetrics())
}

func (h *Handler) resetMetricsHandler(w http.ResponseWriter, r *http.Request) {
	h.client.ResetMetrics()
	h.logger.Info("request metrics reset", "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) breakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": h.client.CircuitStates(),
	})
}

type keyRequest struct {
	Key string `json:"key"`
}

func (h *Handler) forceOpenHandler(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) || !requireField(w, r, "key", req.Key) {
		return
	}
	h.client.ForceCircuitOpen(req.Key)
	h.logger.Warn("circuit forced open", "key", req.Key, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "state": "open"})
}

func (h *Handler) forceCloseHandler(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) || !requireField(w, r, "key", req.Key) {
		return
	}
	h.client.ForceCircuitClosed(req.Key)
	h.logger.Info("circuit forced closed", "key", req.Key, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "state": "closed"})
}

type rateLimitEntry struct {
	Key       string    `json:"key"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	HeldUntil time.Time `json:"held_until,omitzero"`
}

// rateLimitsHandler returns one key's bucket with ?key=, or a page of all
// buckets sorted by key with ?page= and ?page_size=.
func (h *Handler) rateLimitsHandler(w http.ResponseWriter, r *http.Request) {
	if key := r.URL.Query().Get("key"); key != "" {
		st := h.client.RateLimitStatus(key)
		writeJSON(w, http.StatusOK, rateLimitEntry{
			Key: strings.ToLower(key), Remaining: st.Remaining, Limit: st.Limit, ResetAt: st.ResetAt, HeldUntil: st.HeldUntil,
		})
		return
	}

	pageSize, ok := queryInt(w, r, "page_size", defaultPageSize, 1, maxPageSize)
	if !ok {
		return
	}
	page, ok := queryInt(w, r, "page", 0, 0, -1)
	if !ok {
		return
	}

	all := h.client.RateLimits()
	entries := make([]rateLimitEntry, 0, len(all))
	for k, st := range all {
		entries = append(entries, rateLimitEntry{
			Key: k, Remaining: st.Remaining, Limit: st.Limit, ResetAt: st.ResetAt, HeldUntil: st.HeldUntil,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	total := len(entries)
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries[start:end],
		"total":   total,
		"page":    page,
	})
}

func (h *Handler) resetRateLimitHandler(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeBody(w, r, &req) || !requireField(w, r, "key", req.Key) {
		return
	}
	h.client.ResetRateLimit(req.Key)
	h.logger.Info("rate limit reset", "key", req.Key, "client_ip", extractIP(r.RemoteAddr))
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "status": "reset"})
}

func (h *Handler) cacheHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.client.CacheStats())
}

type invalidateRequest struct {
	URL string `json:"url"`
}

func (h *Handler) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if !decodeBody(w, r, &req) || !requireField(w, r, "url", req.URL) {
		return
	}
	n := h.client.InvalidateCache(req.URL)
	writeJSON(w, http.StatusOK, map[string]any{"url": req.URL, "removed": n})
}

func (h *Handler) clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	h.client.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type executeRequest struct {
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	Body          string            `json:"body"`
	TimeoutMs     *int              `json:"timeout_ms"`
	Retries       *int              `json:"retries"`
	Priority      string            `json:"priority"`
	Limit         *int              `json:"limit"`
	SkipCache     bool              `json:"skip_cache"`
	SkipRateLimit bool              `json:"skip_rate_limit"`
}

type executeResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
	FromCache  bool              `json:"from_cache"`
	Shared     bool              `json:"shared"`
	RetryCount int               `json:"retry_count"`
	DurationMs int64             `json:"duration_ms"`
}

// executeHandler runs one request through the client pipeline on behalf of
// an operator. Client errors map to their HTTP equivalents via apierror.
func (h *Handler) executeHandler(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) || !requireField(w, r, "url", req.URL) {
		return
	}

	var opts []client.RequestOption
	if req.Method != "" {
		opts = append(opts, client.WithMethod(req.Method))
	}
	for k, v := range req.Headers {
		opts = append(opts, client.WithHeader(k, v))
	}
	if id := middleware.GetRequestID(r.Context()); id != "" {
		opts = append(opts, client.WithHeader("X-Request-ID", id))
	}
	if req.Body != "" {
		opts = append(opts, client.WithBody([]byte(req.Body)))
	}
	if req.TimeoutMs != nil {
		opts = append(opts, client.WithTimeout(time.Duration(*req.TimeoutMs)*time.Millisecond))
	}
	if req.Retries != nil {
		opts = append(opts, client.WithRetries(*req.Retries))
	}
	if req.Limit != nil {
		opts = append(opts, client.WithLimit(*req.Limit))
	}
	if req.Priority != "" {
		p, err := pool.ParsePriority(req.Priority)
		if err != nil {
			apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, err.Error())
			return
		}
		opts = append(opts, client.WithPriority(p))
	}
	if req.SkipCache {
		opts = append(opts, client.WithSkipCache())
	}
	if req.SkipRateLimit {
		opts = append(opts, client.WithSkipRateLimit())
	}

	resp, err := h.client.Execute(r.Context(), req.URL, opts...)
	if err != nil {
		apierror.WriteError(w, r, err)
		return
	}

	out := executeResponse{
		StatusCode: resp.StatusCode,
		Body:       string(resp.Body),
		FromCache:  resp.FromCache,
		Shared:     resp.Shared,
		RetryCount: resp.RetryCount,
		DurationMs: resp.Duration.Milliseconds(),
	}
	if len(resp.Header) > 0 {
		out.Headers = make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			out.Headers[k] = resp.Header.Get(k)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if middleware.IsBodyTooLarge(err) {
			middleware.WriteBodyLimitError(w, r)
			return false
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func requireField(w http.ResponseWriter, r *http.Request, name, value string) bool {
	if strings.TrimSpace(value) == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, name+" is required")
		return false
	}
	return true
}

// queryInt reads an integer query parameter, writing a 400 when it is not
// a number within [lo, hi]. A negative hi means unbounded.
func queryInt(w http.ResponseWriter, r *http.Request, name string, def, lo, hi int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < lo || (hi >= 0 && v > hi) {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "invalid "+name+" parameter")
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
