package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger checks a backing service
type Pinger interface {
	PingContext(ctx context.Context) error
}

// MetricsSource renders metrics in the Prometheus text format
type MetricsSource interface {
	GetPrometheusMetrics() string
}

// HealthHandler serves liveness and metrics
type HealthHandler struct {
	db      Pinger
	metrics MetricsSource
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger, metrics MetricsSource) *HealthHandler {
	return &HealthHandler{db: db, metrics: metrics}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "unhealthy",
			"database": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Metrics handles GET /metrics
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(h.metrics.GetPrometheusMetrics()))
}
