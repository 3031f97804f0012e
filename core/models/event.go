package models

import (
	"encoding/json"
	"time"
)

// StatusEvent is one immutable entry of the status ledger for a training run
type StatusEvent struct {
	ID        int64
	RunID     string
	Status    Status
	Payload   json.RawMessage // Diagnostic detail as reported (progress, error, byte counts)
	CreatedAt time.Time
}

// PayloadMap decodes the payload into a generic map
func (e *StatusEvent) PayloadMap() map[string]interface{} {
	out := map[string]interface{}{}
	if len(e.Payload) == 0 {
		return out
	}
	_ = json.Unmarshal(e.Payload, &out)
	return out
}

// RunMove is a conditional run state change stored together with a status event
type RunMove struct {
	From   []RunState
	To     RunState
	Reason string // Failure reason when To is RunStateFailed
	Once   bool   // Only the first event of its status may move the run
}
