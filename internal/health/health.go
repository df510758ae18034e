// Package health provides liveness and readiness endpoints for the daemon.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Checker defines the interface for components that can be health checked.
type Checker interface {
	HealthCheck(ctx context.Context) error
}

// Handlers provides health and readiness check endpoints for Kubernetes probes.
type Handlers struct {
	gatewayChecker Checker
}

// NewHandlers creates health check handlers. The gateway checker is
// optional; readiness reports ok for unconfigured checks.
func NewHandlers(gateway Checker) *Handlers {
	return &Handlers{gatewayChecker: gateway}
}

// Response represents the JSON response for health checks.
type Response struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// Returns 200 if the process is running and can serve requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := Response{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}

// Ready handles GET /ready (readiness probe).
// Returns 200 if the daemon is ready to coordinate calls, 503 if the
// signaling gateway is unreachable.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if h.gatewayChecker != nil {
		if err := h.gatewayChecker.HealthCheck(ctx); err != nil {
			checks["gateway"] = "error"
			healthy = false
			slog.WarnContext(ctx, "gateway health check failed", "error", err)
		} else {
			checks["gateway"] = "ok"
		}
	} else {
		// Gateway not configured (in-process transport)
		checks["gateway"] = "ok"
	}

	// Metrics are always available (Prometheus registry is always initialized)
	checks["metrics"] = "ok"

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	response := Response{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode readiness response", "error", err)
	}
}
