package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"lora-orchestrator/core/lifecycle"
	"lora-orchestrator/core/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// maxWebhookBody bounds webhook payloads
const maxWebhookBody = 1 << 20

// RunMachine applies status events and starts runs
type RunMachine interface {
	Apply(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*lifecycle.Outcome, error)
	Start(ctx context.Context, trainingID string) (*lifecycle.Outcome, error)
}

// RunReader loads runs with their training
type RunReader interface {
	GetRunContext(ctx context.Context, runID string) (*models.RunContext, error)
}

// StatusHistory reads the status ledger
type StatusHistory interface {
	Latest(ctx context.Context, runID string) (*models.StatusEvent, error)
	History(ctx context.Context, runID string, limit int) ([]models.StatusEvent, error)
}

// RunHandler handles training run requests and trainer webhooks
type RunHandler struct {
	machine RunMachine
	runs    RunReader
	history StatusHistory
	logger  *zap.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(machine RunMachine, runs RunReader, history StatusHistory, logger *zap.Logger) *RunHandler {
	return &RunHandler{
		machine: machine,
		runs:    runs,
		history: history,
		logger:  logger.With(zap.String("component", "run_handler")),
	}
}

// Webhook handles POST /runs/{runId}/webhook
func (h *RunHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	status, err := models.ParseExternalStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}

	out, err := h.machine.Apply(r.Context(), runID, status, raw)
	if err != nil {
		status, msg := errorStatus(err, "Training run not found")
		if status >= http.StatusInternalServerError {
			h.logger.Error("webhook failed", zap.String("run_id", runID), zap.String("status", body.Status), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	if out.DispatchErr != nil {
		h.logger.Warn("status accepted but follow-up task not enqueued",
			zap.String("run_id", runID),
			zap.Error(out.DispatchErr),
		)
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Status updated"})
}

// StartRunResponse is returned when a run was created
type StartRunResponse struct {
	ID         string    `json:"id"`
	TrainingID string    `json:"training_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// StartRun handles POST /trainings/{id}/runs
func (h *RunHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	trainingID := mux.Vars(r)["id"]

	out, err := h.machine.Start(r.Context(), trainingID)
	if err != nil {
		status, msg := errorStatus(err, "Training not found")
		if status >= http.StatusInternalServerError {
			h.logger.Error("failed to start run", zap.String("training_id", trainingID), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}

	run := out.Run.Run
	writeJSON(w, http.StatusCreated, StartRunResponse{
		ID:         run.ID,
		TrainingID: run.TrainingID,
		Status:     string(run.Status),
		CreatedAt:  run.CreatedAt,
	})
}

// GetRun handles GET /runs/{runId}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	rc, err := h.runs.GetRunContext(r.Context(), runID)
	if err != nil {
		status, msg := errorStatus(err, "Training run not found")
		writeError(w, status, msg)
		return
	}

	latest, err := h.history.Latest(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read status")
		return
	}

	run := rc.Run
	response := map[string]interface{}{
		"id":          run.ID,
		"training_id": run.TrainingID,
		"status":      run.Status,
		"timestamps": map[string]interface{}{
			"created_at": run.CreatedAt,
			"updated_at": run.UpdatedAt,
			"failed_at":  run.FailedAt,
		},
	}
	if run.FailureReason != "" {
		response["failure_reason"] = run.FailureReason
	}
	if latest != nil {
		response["latest_event"] = eventItem(*latest)
	}

	writeJSON(w, http.StatusOK, response)
}

// GetRunEvents handles GET /runs/{runId}/events
func (h *RunHandler) GetRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]

	if _, err := h.runs.GetRunContext(r.Context(), runID); err != nil {
		status, msg := errorStatus(err, "Training run not found")
		writeError(w, status, msg)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	events, err := h.history.History(r.Context(), runID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to fetch events")
		return
	}

	items := make([]map[string]interface{}, len(events))
	for i, event := range events {
		items[i] = eventItem(event)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
	})
}

func eventItem(event models.StatusEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":      event.ID,
		"status":  event.Status,
		"payload": event.Payload,
		"at":      event.CreatedAt,
	}
}
