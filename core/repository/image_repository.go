package repository

import (
	"context"
	"database/sql"
	"time"

	"lora-orchestrator/core/models"
)

// ImageRepository handles database operations for training images
type ImageRepository struct {
	db *DB
}

// NewImageRepository creates a new image repository
func NewImageRepository(db *DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// ListImages retrieves all images of a training ordered by name
func (r *ImageRepository) ListImages(ctx context.Context, trainingID string) ([]models.TrainingImage, error) {
	query := `
		SELECT id, training_id, name, url, caption, is_resized, resize_queued_at
		FROM training_images
		WHERE training_id = $1
		ORDER BY name, id
	`

	rows, err := r.db.QueryContext(ctx, query, trainingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []models.TrainingImage
	for rows.Next() {
		var img models.TrainingImage
		var queuedAt sql.NullTime

		if err := rows.Scan(
			&img.ID,
			&img.TrainingID,
			&img.Name,
			&img.URL,
			&img.Caption,
			&img.IsResized,
			&queuedAt,
		); err != nil {
			return nil, err
		}

		if queuedAt.Valid {
			img.ResizeQueuedAt = &queuedAt.Time
		}
		images = append(images, img)
	}

	return images, rows.Err()
}

// MarkResized flags an image as available at max resolution
func (r *ImageRepository) MarkResized(ctx context.Context, imageID string) error {
	query := `UPDATE training_images SET is_resized = TRUE WHERE id = $1`

	res, err := r.db.ExecContext(ctx, query, imageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkResizeQueued stamps when a resize task was last enqueued for an image
func (r *ImageRepository) MarkResizeQueued(ctx context.Context, imageID string, at time.Time) error {
	query := `UPDATE training_images SET resize_queued_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, imageID, at)
	return err
}
