package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// HealthStatus represents the health status of the node.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is a single named check run on demand.
type HealthCheck struct {
	Name      string
	CheckFunc func(context.Context) error
	Timeout   time.Duration
	Critical  bool
}

// HealthChecker runs registered checks and aggregates the result.
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]*HealthCheck
	start  time.Time
}

// CheckStatus is the reported status of one check.
type CheckStatus struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthResponse is the aggregate health report.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
	System    SystemInfo             `json:"system"`
}

// SystemInfo carries basic process statistics.
type SystemInfo struct {
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	MemAllocMB    uint64 `json:"mem_alloc_mb"`
}

// NewHealthChecker creates an empty checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]*HealthCheck),
		start:  time.Now(),
	}
}

// AddCheck registers a health check.
func (h *HealthChecker) AddCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = 5 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[check.Name] = check
}

// Run executes every check and aggregates the overall status. A failed
// critical check makes the node unhealthy; a failed non-critical check
// only degrades it.
func (h *HealthChecker) Run(ctx context.Context) HealthResponse {
	h.mu.RLock()
	checks := make([]*HealthCheck, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	overall := HealthStatusHealthy
	results := make(map[string]CheckStatus, len(checks))
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, c.Timeout)
		err := c.CheckFunc(cctx)
		cancel()

		if err != nil {
			results[c.Name] = CheckStatus{Status: HealthStatusUnhealthy, Message: err.Error()}
			if c.Critical {
				overall = HealthStatusUnhealthy
			} else if overall == HealthStatusHealthy {
				overall = HealthStatusDegraded
			}
			continue
		}
		results[c.Name] = CheckStatus{Status: HealthStatusHealthy}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.start).Round(time.Second).String(),
		Checks:    results,
		System: SystemInfo{
			NumGoroutines: runtime.NumGoroutine(),
			NumCPU:        runtime.NumCPU(),
			MemAllocMB:    mem.Alloc / 1024 / 1024,
		},
	}
}

// Handler returns the aggregate health endpoint handler.
func (h *HealthChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Run(r.Context())

		code := http.StatusOK
		if resp.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// LivenessHandler always reports alive; the process answering is the
// signal.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
