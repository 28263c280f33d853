// Package health serves the liveness, readiness and dependency checks of the
// feed service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gustycube/c2feed/internal/logging"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one dependency check.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  int64     `json:"duration_ms"`
}

// Response is the body of /health.
type Response struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    []Check           `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker reports the status of one dependency.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler aggregates registered checkers. Unhealthy answers 503; degraded
// still answers 200.
type Handler struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]string
	log      *logging.Logger
	ready    bool
}

// NewHandler creates a new health handler
func NewHandler(log *logging.Logger) *Handler {
	return &Handler{
		checkers: make(map[string]Checker),
		metadata: make(map[string]string),
		log:      log,
	}
}

// RegisterChecker adds or replaces the checker reported under name.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

func (h *Handler) SetMetadata(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[key] = value
}

// SetReady is flipped once the manifest has been recovered and the poller
// is running.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *Handler) snapshot() (map[string]Checker, map[string]string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]string, len(h.metadata))
	for k, v := range h.metadata {
		metadata[k] = v
	}
	return checkers, metadata, h.ready
}

// Run executes every checker and returns the aggregated response.
func (h *Handler) Run(ctx context.Context) Response {
	checkers, metadata, _ := h.snapshot()
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := Response{Status: StatusHealthy, Timestamp: time.Now(), Checks: []Check{}, Metadata: metadata}
	for _, name := range names {
		check := checkers[name].Check(ctx)
		check.Name = name
		resp.Checks = append(resp.Checks, check)
		switch {
		case check.Status == StatusUnhealthy:
			resp.Status = StatusUnhealthy
		case check.Status == StatusDegraded && resp.Status == StatusHealthy:
			resp.Status = StatusDegraded
		}
	}
	return resp
}

// HealthHandler runs every checker and answers 503 when one is unhealthy.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := h.Run(ctx)
	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		h.log.Warnw("health check failed", "checks", resp.Checks)
	}
	writeJSON(w, code, resp)
}

func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	_, metadata, ready := h.snapshot()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ready":     ready,
		"timestamp": time.Now(),
		"metadata":  metadata,
	})
}

func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"alive": true, "timestamp": time.Now()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// StoreChecker pings the backing store.
type StoreChecker struct {
	ping func(ctx context.Context) error
}

func NewStoreChecker(ping func(ctx context.Context) error) *StoreChecker {
	return &StoreChecker{ping: ping}
}

func (c *StoreChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.ping(ctx)
	check := Check{Status: StatusHealthy, Message: "store reachable", LastChecked: time.Now(), DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = "store unreachable: " + err.Error()
	}
	return check
}

// FreshnessChecker degrades when the last successful upstream pull is older
// than maxAge. It never reports unhealthy.
type FreshnessChecker struct {
	lastSuccess func() time.Time
	maxAge      time.Duration
	now         func() time.Time
}

func NewFreshnessChecker(lastSuccess func() time.Time, maxAge time.Duration) *FreshnessChecker {
	return &FreshnessChecker{lastSuccess: lastSuccess, maxAge: maxAge, now: time.Now}
}

func (c *FreshnessChecker) Check(ctx context.Context) Check {
	now := c.now()
	last := c.lastSuccess()
	check := Check{Status: StatusHealthy, LastChecked: now}
	switch {
	case last.IsZero():
		check.Status = StatusDegraded
		check.Message = "no successful upstream pull yet"
	case now.Sub(last) > c.maxAge:
		check.Status = StatusDegraded
		check.Message = "last successful upstream pull at " + last.UTC().Format(time.RFC3339)
	default:
		check.Message = "last successful upstream pull at " + last.UTC().Format(time.RFC3339)
	}
	return check
}
