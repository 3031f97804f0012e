// Package ledger records the append-only history of status events of training runs.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"lora-orchestrator/core/models"
)

// DefaultHistoryLimit bounds History when the caller passes no limit
const DefaultHistoryLimit = 100

// Store persists status events
type Store interface {
	AppendEvent(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*models.StatusEvent, error)
	LatestEvent(ctx context.Context, runID string) (*models.StatusEvent, error)
	ListEvents(ctx context.Context, runID string, limit int) ([]models.StatusEvent, error)
	HasEvent(ctx context.Context, runID string, status models.Status) (bool, error)
}

// Ledger validates and records status events. Events are never modified
// after they are written; the latest event is the one with the highest ID.
type Ledger struct {
	store Store
}

// New creates a ledger over store
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Append records a status event for a run. Unknown status codes are rejected
// with *models.InvalidStatusError and nothing is written.
func (l *Ledger) Append(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*models.StatusEvent, error) {
	if !status.Valid() {
		return nil, &models.InvalidStatusError{Status: string(status)}
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("status payload for run %s is not valid JSON", runID)
	}

	event, err := l.store.AppendEvent(ctx, runID, status, payload)
	if err != nil {
		return nil, models.Transient("append status event", err)
	}
	return event, nil
}

// Latest returns the most recent event of a run, or nil when it has none
func (l *Ledger) Latest(ctx context.Context, runID string) (*models.StatusEvent, error) {
	event, err := l.store.LatestEvent(ctx, runID)
	if err != nil {
		return nil, models.Transient("read latest status event", err)
	}
	return event, nil
}

// History returns up to limit events of a run, newest first
func (l *Ledger) History(ctx context.Context, runID string, limit int) ([]models.StatusEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	events, err := l.store.ListEvents(ctx, runID, limit)
	if err != nil {
		return nil, models.Transient("list status events", err)
	}
	return events, nil
}

// Has reports whether a run ever recorded status
func (l *Ledger) Has(ctx context.Context, runID string, status models.Status) (bool, error) {
	ok, err := l.store.HasEvent(ctx, runID, status)
	if err != nil {
		return false, models.Transient("check status event", err)
	}
	return ok, nil
}
