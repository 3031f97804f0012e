package media

import (
	"context"
	"fmt"

	"lora-orchestrator/storage"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// Thumbnailer writes one thumbnail per ThumbnailSizes entry next to every uploaded image
type Thumbnailer struct {
	store  storage.ObjectStore
	logger *zap.Logger
}

// NewThumbnailer creates a thumbnail transform over store
func NewThumbnailer(store storage.ObjectStore, logger *zap.Logger) *Thumbnailer {
	return &Thumbnailer{
		store:  store,
		logger: logger.With(zap.String("component", "thumbnailer")),
	}
}

// Handle derives the thumbnails of bucket/key. Keys that are thumbnails
// themselves are ignored, and existing thumbnails are left as they are.
func (t *Thumbnailer) Handle(ctx context.Context, bucket, key string) error {
	log := t.logger.With(zap.String("bucket", bucket), zap.String("key", key))

	if IsDerived(key) {
		log.Debug("skipping derived object")
		return nil
	}

	var missing []int
	for _, size := range ThumbnailSizes {
		exists, err := t.store.Exists(ctx, bucket, ThumbnailKey(key, size))
		if err != nil {
			return err
		}
		if !exists {
			missing = append(missing, size)
		}
	}
	if len(missing) == 0 {
		log.Debug("thumbnails already exist")
		return nil
	}

	src, err := t.store.Get(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}

	img, err := decode(src.Body)
	if err != nil {
		return err
	}

	for _, size := range missing {
		thumbKey := ThumbnailKey(key, size)
		thumb := imaging.Fit(img, size, size, imaging.Lanczos)

		body, contentType, err := encode(thumb, thumbKey)
		if err != nil {
			return err
		}
		if src.ContentType != "" {
			contentType = src.ContentType
		}

		if err := t.store.Put(ctx, bucket, thumbKey, &storage.Object{Body: body, ContentType: contentType}); err != nil {
			return err
		}
		log.Info("thumbnail created", zap.String("thumbnail_key", thumbKey), zap.Int("size", size))
	}

	return nil
}

// HandleMessage handles an S3 object-created notification delivered through SQS
func (t *Thumbnailer) HandleMessage(ctx context.Context, body []byte) error {
	refs, err := ParseS3Event(body)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := t.Handle(ctx, ref.Bucket, ref.Key); err != nil {
			return err
		}
	}
	return nil
}
