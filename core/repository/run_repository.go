package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"lora-orchestrator/core/models"

	"github.com/google/uuid"
)

// RunRepository handles database operations for trainings and their runs
type RunRepository struct {
	db *DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *DB) *RunRepository {
	return &RunRepository{db: db}
}

// GetTraining retrieves a training by ID
func (r *RunRepository) GetTraining(ctx context.Context, id string) (*models.Training, error) {
	query := `
		SELECT id, owner_id, name, trigger_word, base_model_url, config, created_at, updated_at
		FROM trainings
		WHERE id = $1
	`

	if !validID(id) {
		return nil, models.ErrNotFound
	}

	var t models.Training
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID,
		&t.OwnerID,
		&t.Name,
		&t.TriggerWord,
		&t.BaseModelURL,
		&t.Config,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}

// UpdateTrainingConfig replaces the stored training configuration
func (r *RunRepository) UpdateTrainingConfig(ctx context.Context, id, config string) error {
	query := `UPDATE trainings SET config = $1, updated_at = NOW() WHERE id = $2`
	res, err := r.db.ExecContext(ctx, query, config, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CreateRun inserts a new run in the given state. The partial unique index on
// training_runs rejects a second non-terminal run for the same training.
func (r *RunRepository) CreateRun(ctx context.Context, trainingID string, state models.RunState) (*models.TrainingRun, error) {
	query := `
		INSERT INTO training_runs (id, training_id, status)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`

	if !validID(trainingID) {
		return nil, models.ErrNotFound
	}

	run := &models.TrainingRun{
		ID:         uuid.New().String(),
		TrainingID: trainingID,
		Status:     state,
	}

	err := r.db.QueryRowContext(ctx, query, run.ID, trainingID, state).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return nil, models.ErrRunInProgress
		case pgForeignKeyViolation:
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return run, nil
}

// GetRunContext retrieves a run together with its training
func (r *RunRepository) GetRunContext(ctx context.Context, runID string) (*models.RunContext, error) {
	query := `
		SELECT r.id, r.training_id, r.status, r.trainer_session_id, r.failed_at, r.failure_reason,
			r.created_at, r.updated_at,
			t.id, t.owner_id, t.name, t.trigger_word, t.base_model_url, t.config, t.created_at, t.updated_at
		FROM training_runs r
		JOIN trainings t ON t.id = r.training_id
		WHERE r.id = $1
	`

	if !validID(runID) {
		return nil, models.ErrNotFound
	}

	var run models.TrainingRun
	var t models.Training
	var sessionID sql.NullString
	var failedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.TrainingID,
		&run.Status,
		&sessionID,
		&failedAt,
		&run.FailureReason,
		&run.CreatedAt,
		&run.UpdatedAt,
		&t.ID,
		&t.OwnerID,
		&t.Name,
		&t.TriggerWord,
		&t.BaseModelURL,
		&t.Config,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	if sessionID.Valid {
		run.TrainerSessionID = &sessionID.String
	}
	if failedAt.Valid {
		run.FailedAt = &failedAt.Time
	}

	return &models.RunContext{Run: &run, Training: &t}, nil
}

// RecordStatus inserts a status event and applies move in one transaction,
// so a run never changes state without its ledger row. The run row is locked
// first, which serialises concurrent events of the same run. changed reports
// whether move matched; a nil move only records the event.
func (r *RunRepository) RecordStatus(ctx context.Context, runID string, status models.Status, payload json.RawMessage, move *models.RunMove) (*models.StatusEvent, bool, error) {
	if !validID(runID) {
		return nil, false, models.ErrNotFound
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var current models.RunState
	lockQuery := `SELECT status FROM training_runs WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRowContext(ctx, lockQuery, runID).Scan(&current); err != nil {
		return nil, false, notFound(err)
	}

	apply := move != nil
	if apply && move.Once {
		seen, err := hasEvent(ctx, tx, runID, status)
		if err != nil {
			return nil, false, err
		}
		apply = !seen
	}

	event, err := insertEvent(ctx, tx, runID, status, payload)
	if err != nil {
		return nil, false, err
	}

	changed := false
	if apply {
		if changed, err = applyMove(ctx, tx, runID, move); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return event, changed, nil
}

// applyMove runs the conditional update of move. Transitions only match while
// the run is in one of move.From; failure matches any non-terminal run.
// Terminal runs never match.
func applyMove(ctx context.Context, q queryer, runID string, move *models.RunMove) (bool, error) {
	var (
		res sql.Result
		err error
	)

	if move.To == models.RunStateFailed {
		query := `
			UPDATE training_runs
			SET status = $2, failed_at = NOW(), failure_reason = $3, updated_at = NOW()
			WHERE id = $1 AND status <> ALL($4)
		`
		res, err = q.ExecContext(ctx, query, runID, move.To, move.Reason, terminalStates())
	} else {
		query := `
			UPDATE training_runs
			SET status = $2, updated_at = NOW()
			WHERE id = $1 AND status = ANY($3) AND status <> ALL($4)
		`
		res, err = q.ExecContext(ctx, query, runID, move.To, stateArray(move.From), terminalStates())
	}
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimTrainerSession stores sessionID on the run unless one is already
// stored, and returns whichever session ID the run ends up with
func (r *RunRepository) ClaimTrainerSession(ctx context.Context, runID, sessionID string) (string, error) {
	query := `
		UPDATE training_runs
		SET trainer_session_id = COALESCE(trainer_session_id, $2), updated_at = NOW()
		WHERE id = $1
		RETURNING trainer_session_id
	`

	var stored string
	if err := r.db.QueryRowContext(ctx, query, runID, sessionID).Scan(&stored); err != nil {
		return "", notFound(err)
	}
	return stored, nil
}

// ListStalledRuns lists non-terminal runs whose newest status event is older than cutoff
func (r *RunRepository) ListStalledRuns(ctx context.Context, cutoff time.Time, limit int) ([]models.TrainingRun, error) {
	query := `
		SELECT r.id, r.training_id, r.status, r.created_at, r.updated_at
		FROM training_runs r
		JOIN (
			SELECT run_id, MAX(created_at) AS latest
			FROM training_status
			GROUP BY run_id
		) ts ON ts.run_id = r.id
		WHERE r.status <> ALL($1) AND ts.latest < $2
		ORDER BY ts.latest
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, terminalStates(), cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.TrainingRun
	for rows.Next() {
		var run models.TrainingRun
		if err := rows.Scan(&run.ID, &run.TrainingID, &run.Status, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}
