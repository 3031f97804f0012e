package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// EventStreamer streams a user's notifications as server-sent events
type EventStreamer interface {
	ServeSSE(w http.ResponseWriter, r *http.Request, userID string)
}

// EventsHandler serves live run updates
type EventsHandler struct {
	streamer EventStreamer
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(streamer EventStreamer) *EventsHandler {
	return &EventsHandler{streamer: streamer}
}

// Stream handles GET /events/{userId}
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if userID == "" {
		writeError(w, http.StatusBadRequest, "Missing user")
		return
	}
	h.streamer.ServeSSE(w, r, userID)
}
