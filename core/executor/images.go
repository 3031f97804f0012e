package executor

import (
	"context"
	"fmt"
	"strings"

	"lora-orchestrator/core/media"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/worker"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"

	"go.uber.org/zap"
)

// FetchImages makes sure every image of the training has a max-resolution
// copy, writes the captions next to them and archives the folder for the
// trainer. Images still waiting for their copy are requested again once
// ResizeRequeueAfter has passed without an answer.
func (e *TrainingExecutor) FetchImages(ctx context.Context, msg models.TaskMessage) error {
	rc, ok, err := e.loadRun(ctx, msg, models.RunStatePendingImages)
	if err != nil || !ok {
		return err
	}
	runID := rc.Run.ID

	images, err := e.deps.Images.ListImages(ctx, rc.Training.ID)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	if len(images) == 0 {
		return e.fail(ctx, runID, "training has no images")
	}

	pending, err := e.requestResizes(ctx, runID, images)
	if err != nil {
		return err
	}
	if pending > 0 {
		return worker.Retry(e.cfg.ImagesPollDelay, "%d of %d images awaiting resize", pending, len(images))
	}

	if err := e.writeCaptions(ctx, rc.Training, images); err != nil {
		return err
	}

	key, err := e.deps.Archiver.Handle(ctx, models.ArchiveMessage{
		Bucket: e.cfg.MaxResBucket,
		Key:    media.ImagesPrefix(rc.OwnerID(), rc.Training.ID),
	})
	if err != nil {
		return fmt.Errorf("archive images: %w", err)
	}

	imagesURL := fmt.Sprintf("https://%s.s3.amazonaws.com/%s", e.cfg.MaxResBucket, key)
	config, err := training.SetConfigValue(rc.Training.Config, training.KeyImagesURL, imagesURL)
	if err != nil {
		return err
	}
	if err := e.deps.Runs.UpdateTrainingConfig(ctx, rc.Training.ID, config); err != nil {
		return fmt.Errorf("store images url: %w", err)
	}

	e.logger.Info("training images ready",
		zap.String("run_id", runID),
		zap.Int("images", len(images)),
		zap.String("archive", key),
	)

	return e.apply(ctx, runID, models.StatusImagesReady, map[string]interface{}{
		"imagesUrl": imagesURL,
		"images":    len(images),
	})
}

// requestResizes enqueues resize requests for unresized images and returns
// how many images are still unresized
func (e *TrainingExecutor) requestResizes(ctx context.Context, runID string, images []models.TrainingImage) (int, error) {
	now := e.now()
	pending := 0

	for _, img := range images {
		if img.IsResized {
			continue
		}
		pending++

		if img.ResizeQueuedAt != nil && now.Sub(*img.ResizeQueuedAt) < e.cfg.ResizeRequeueAfter {
			continue
		}

		err := e.deps.Resize.EnqueueResize(ctx, models.ResizeMessage{
			ImageID:    img.ID,
			TrainingID: img.TrainingID,
			ImageURL:   img.URL,
			WebhookURL: e.WebhookURL(runID),
		})
		if err != nil {
			return 0, fmt.Errorf("enqueue resize of image %s: %w", img.ID, err)
		}
		if err := e.deps.Images.MarkResizeQueued(ctx, img.ID, now); err != nil {
			return 0, fmt.Errorf("mark image %s queued: %w", img.ID, err)
		}
	}

	return pending, nil
}

// writeCaptions stores one caption file per image. Images without a caption
// get the trigger word.
func (e *TrainingExecutor) writeCaptions(ctx context.Context, t *models.Training, images []models.TrainingImage) error {
	for _, img := range images {
		caption := strings.TrimSpace(img.Caption)
		if caption == "" {
			caption = t.TriggerWord
		}
		if caption == "" {
			continue
		}

		err := e.deps.Objects.Put(ctx, e.cfg.MaxResBucket, media.CaptionKey(img.URL), &storage.Object{
			Body:        []byte(caption),
			ContentType: "text/plain; charset=utf-8",
		})
		if err != nil {
			return fmt.Errorf("write caption of image %s: %w", img.ID, err)
		}
	}
	return nil
}
