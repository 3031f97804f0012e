package repository

import (
	"context"
	"database/sql"

	"lora-orchestrator/core/models"
)

// AllocationRepository handles database operations for GPU allocations
type AllocationRepository struct {
	db *DB
}

// NewAllocationRepository creates a new allocation repository
func NewAllocationRepository(db *DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// CreateAllocation records the allocation for a run. An existing row wins, so
// a redelivered allocateGpu task sees the allocation of the first attempt.
func (r *AllocationRepository) CreateAllocation(ctx context.Context, alloc models.GPUAllocation) (*models.GPUAllocation, error) {
	query := `
		INSERT INTO gpu_allocations (run_id, instance_id, instance_type, public_ip, state)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING
	`

	if _, err := r.db.ExecContext(ctx, query,
		alloc.RunID,
		alloc.InstanceID,
		alloc.InstanceType,
		alloc.PublicIP,
		alloc.State,
	); err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	return r.GetAllocation(ctx, alloc.RunID)
}

// GetAllocation retrieves the allocation of a run
func (r *AllocationRepository) GetAllocation(ctx context.Context, runID string) (*models.GPUAllocation, error) {
	query := `
		SELECT run_id, instance_id, instance_type, public_ip, state, created_at, released_at
		FROM gpu_allocations
		WHERE run_id = $1
	`

	alloc, err := scanAllocation(r.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		return nil, notFound(err)
	}
	return alloc, nil
}

// MarkRunning stores the public IP of an instance that came up
func (r *AllocationRepository) MarkRunning(ctx context.Context, runID, publicIP string) error {
	query := `
		UPDATE gpu_allocations
		SET state = $2, public_ip = $3
		WHERE run_id = $1 AND state = $4
	`
	_, err := r.db.ExecContext(ctx, query, runID, models.AllocationRunning, publicIP, models.AllocationRequested)
	return err
}

// ListReleasable lists allocations of terminal runs that still hold an instance
func (r *AllocationRepository) ListReleasable(ctx context.Context, limit int) ([]models.GPUAllocation, error) {
	query := `
		SELECT a.run_id, a.instance_id, a.instance_type, a.public_ip, a.state, a.created_at, a.released_at
		FROM gpu_allocations a
		JOIN training_runs r ON r.id = a.run_id
		WHERE a.state <> $1 AND r.status = ANY($2)
		ORDER BY a.created_at
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, models.AllocationReleased, terminalStates(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocations []models.GPUAllocation
	for rows.Next() {
		alloc, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, *alloc)
	}

	return allocations, rows.Err()
}

// MarkReleased records that the instance of a run was terminated
func (r *AllocationRepository) MarkReleased(ctx context.Context, runID string) error {
	query := `
		UPDATE gpu_allocations
		SET state = $2, released_at = NOW()
		WHERE run_id = $1 AND state <> $2
	`
	_, err := r.db.ExecContext(ctx, query, runID, models.AllocationReleased)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAllocation(row rowScanner) (*models.GPUAllocation, error) {
	var alloc models.GPUAllocation
	var releasedAt sql.NullTime

	err := row.Scan(
		&alloc.RunID,
		&alloc.InstanceID,
		&alloc.InstanceType,
		&alloc.PublicIP,
		&alloc.State,
		&alloc.CreatedAt,
		&releasedAt,
	)
	if err != nil {
		return nil, err
	}

	if releasedAt.Valid {
		alloc.ReleasedAt = &releasedAt.Time
	}
	return &alloc, nil
}
