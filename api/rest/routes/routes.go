package routes

import (
	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/api/rest/middleware"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handlers groups the endpoint handlers of the server
type Handlers struct {
	Runs   *handlers.RunHandler
	Events *handlers.EventsHandler
	Health *handlers.HealthHandler
}

// SetupRoutes configures all API routes
func SetupRoutes(r *mux.Router, h Handlers, logger *zap.Logger) {
	r.Use(middleware.RequestID, middleware.Logging(logger), middleware.Recovery(logger))

	// Trainer and resizer callbacks
	r.HandleFunc("/runs/{runId}/webhook", h.Runs.Webhook).Methods("POST")

	// Run endpoints
	r.HandleFunc("/trainings/{id}/runs", h.Runs.StartRun).Methods("POST")
	r.HandleFunc("/runs/{runId}", h.Runs.GetRun).Methods("GET")
	r.HandleFunc("/runs/{runId}/events", h.Runs.GetRunEvents).Methods("GET")

	// Live updates
	r.HandleFunc("/events/{userId}", h.Events.Stream).Methods("GET")

	r.HandleFunc("/health", h.Health.Health).Methods("GET")
	r.HandleFunc("/metrics", h.Health.Metrics).Methods("GET")
}
