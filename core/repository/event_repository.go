package repository

import (
	"context"
	"database/sql"
	"encoding/json"

	"lora-orchestrator/core/models"
)

// EventRepository stores the status ledger. Rows are inserted, never updated.
type EventRepository struct {
	db *DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

// AppendEvent inserts a status event for a run
func (r *EventRepository) AppendEvent(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*models.StatusEvent, error) {
	if !validID(runID) {
		return nil, models.ErrNotFound
	}
	return insertEvent(ctx, r.db, runID, status, payload)
}

// insertEvent writes one ledger row through q, a pool or a transaction
func insertEvent(ctx context.Context, q queryer, runID string, status models.Status, payload json.RawMessage) (*models.StatusEvent, error) {
	query := `
		INSERT INTO training_status (run_id, status, payload)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	event := &models.StatusEvent{
		RunID:   runID,
		Status:  status,
		Payload: payload,
	}

	err := q.QueryRowContext(ctx, query, runID, status, string(payload)).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return event, nil
}

// LatestEvent returns the most recently inserted event of a run, or nil if it has none
func (r *EventRepository) LatestEvent(ctx context.Context, runID string) (*models.StatusEvent, error) {
	query := `
		SELECT id, run_id, status, payload, created_at
		FROM training_status
		WHERE run_id = $1
		ORDER BY id DESC
		LIMIT 1
	`

	var event models.StatusEvent
	var payload []byte
	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&event.ID,
		&event.RunID,
		&event.Status,
		&payload,
		&event.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	event.Payload = json.RawMessage(payload)

	return &event, nil
}

// ListEvents retrieves the newest events of a run, newest first
func (r *EventRepository) ListEvents(ctx context.Context, runID string, limit int) ([]models.StatusEvent, error) {
	query := `
		SELECT id, run_id, status, payload, created_at
		FROM training_status
		WHERE run_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.StatusEvent
	for rows.Next() {
		var event models.StatusEvent
		var payload []byte

		if err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Status,
			&payload,
			&event.CreatedAt,
		); err != nil {
			return nil, err
		}
		event.Payload = json.RawMessage(payload)

		events = append(events, event)
	}

	return events, rows.Err()
}

// HasEvent reports whether a run has ever recorded the given status
func (r *EventRepository) HasEvent(ctx context.Context, runID string, status models.Status) (bool, error) {
	return hasEvent(ctx, r.db, runID, status)
}

func hasEvent(ctx context.Context, q queryer, runID string, status models.Status) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM training_status WHERE run_id = $1 AND status = $2)`

	var exists bool
	if err := q.QueryRowContext(ctx, query, runID, status).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
