package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     string                  `json:"status"`
	Message    string                  `json:"message"`
	Timestamp  time.Time               `json:"timestamp"`
	Duration   time.Duration           `json:"duration"`
	Components map[string]HealthStatus `json:"components"`
	Uptime     string                  `json:"uptime"`
}

// HealthCheck reports the state of one component
type HealthCheck func(ctx context.Context) HealthStatus

// HealthChecker aggregates named component checks (database, remote API, connectivity)
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheck
	timeout time.Duration
	started time.Time
}

// NewHealthChecker creates a checker; each check is bounded by timeout
func NewHealthChecker(timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{
		checks:  make(map[string]HealthCheck),
		timeout: timeout,
		started: time.Now(),
	}
}

// Register adds or replaces a component check
func (h *HealthChecker) Register(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check runs every registered check and derives the overall status
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	start := time.Now()

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	components := make(map[string]HealthStatus, len(names))
	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()
		components[name] = h.runWithTimeout(ctx, check)
	}

	status, message := overallStatus(components)
	return HealthReport{
		Status:     status,
		Message:    message,
		Timestamp:  time.Now(),
		Duration:   time.Since(start),
		Components: components,
		Uptime:     time.Since(h.started).Truncate(time.Second).String(),
	}
}

func (h *HealthChecker) runWithTimeout(ctx context.Context, check HealthCheck) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	resultChan := make(chan HealthStatus, 1)
	go func() {
		resultChan <- check(ctx)
	}()

	select {
	case result := <-resultChan:
		result.Duration = time.Since(start)
		return result
	case <-ctx.Done():
		return NewHealthStatus("unhealthy", "Health check timed out").
			WithDetail("timeout", h.timeout.String())
	}
}

func overallStatus(components map[string]HealthStatus) (string, string) {
	var degraded, unhealthy int
	for _, status := range components {
		switch status.Status {
		case "degraded":
			degraded++
		case "unhealthy":
			unhealthy++
		}
	}

	total := len(components)
	if unhealthy > 0 {
		return "unhealthy", fmt.Sprintf("%d/%d components unhealthy", unhealthy, total)
	}
	if degraded > 0 {
		return "degraded", fmt.Sprintf("%d/%d components degraded", degraded, total)
	}
	return "healthy", fmt.Sprintf("All %d components healthy", total)
}

// NewHealthStatus creates a new health status
func NewHealthStatus(status, message string) HealthStatus {
	return HealthStatus{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithDetail adds a single detail to a health status
func (h HealthStatus) WithDetail(key string, value interface{}) HealthStatus {
	details := make(map[string]interface{}, len(h.Details)+1)
	for k, v := range h.Details {
		details[k] = v
	}
	details[key] = value
	h.Details = details
	return h
}

// IsHealthy returns true if the status is healthy
func (h HealthStatus) IsHealthy() bool {
	return h.Status == "healthy"
}
