// Package handlers implements the HTTP endpoints of the API server.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"lora-orchestrator/core/models"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors to HTTP status codes. notFound is the
// message used for models.ErrNotFound.
func errorStatus(err error, notFound string) (int, string) {
	var invalid *models.InvalidStatusError
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest, "Invalid status"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, notFound
	case errors.Is(err, models.ErrRunInProgress):
		return http.StatusConflict, "Training run already in progress"
	default:
		return http.StatusInternalServerError, "Internal error, retry later"
	}
}
