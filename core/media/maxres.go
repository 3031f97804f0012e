package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"math"
	"net/http"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

// DefaultMaxResSize bounds the longest side of a training image
const DefaultMaxResSize = 2048

// MaxRes writes the cropped, size-bounded training copy of an image and
// reports it to the run's webhook
type MaxRes struct {
	store        storage.ObjectStore
	sourceBucket string
	targetBucket string
	client       *http.Client
	logger       *zap.Logger
}

// NewMaxRes creates the max-resolution transform
func NewMaxRes(store storage.ObjectStore, sourceBucket, targetBucket string, client *http.Client, logger *zap.Logger) *MaxRes {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &MaxRes{
		store:        store,
		sourceBucket: sourceBucket,
		targetBucket: targetBucket,
		client:       client,
		logger:       logger.With(zap.String("component", "maxres")),
	}
}

// TargetKey is where the max-resolution copy of msg's image is written
func TargetKey(msg models.ResizeMessage) string {
	if msg.TargetURL != "" {
		return msg.TargetURL
	}
	return msg.ImageURL
}

// Handle produces the max-resolution copy of one image. The output key only
// depends on the message, so a redelivered message overwrites the same object.
func (m *MaxRes) Handle(ctx context.Context, msg models.ResizeMessage) error {
	if msg.ImageID == "" || msg.ImageURL == "" {
		return fmt.Errorf("resize message missing imageId or imageUrl")
	}
	log := m.logger.With(zap.String("image_id", msg.ImageID), zap.String("key", msg.ImageURL))

	src, err := m.store.Get(ctx, m.sourceBucket, msg.ImageURL)
	if err != nil {
		return fmt.Errorf("load %s: %w", msg.ImageURL, err)
	}

	img, err := decode(src.Body)
	if err != nil {
		return err
	}

	if msg.HasCrop() {
		img = imaging.Crop(img, cropRect(img.Bounds(), *msg.CropX, *msg.CropY, *msg.CropWidth, *msg.CropHeight))
	}

	size := msg.Size
	if size <= 0 {
		size = DefaultMaxResSize
	}
	// Fit never enlarges
	img = imaging.Fit(img, size, size, imaging.Lanczos)

	target := TargetKey(msg)
	body, contentType, err := encode(img, target)
	if err != nil {
		return err
	}
	if src.ContentType != "" {
		contentType = src.ContentType
	}

	if err := m.store.Put(ctx, m.targetBucket, target, &storage.Object{Body: body, ContentType: contentType}); err != nil {
		return err
	}
	log.Info("max resolution image written", zap.String("target_key", target))

	if msg.WebhookURL == "" {
		return nil
	}
	return m.notify(ctx, msg)
}

// HandleMessage decodes and handles a resize queue message
func (m *MaxRes) HandleMessage(ctx context.Context, body []byte) error {
	var msg models.ResizeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode resize message: %w", err)
	}
	return m.Handle(ctx, msg)
}

func (m *MaxRes) notify(ctx context.Context, msg models.ResizeMessage) error {
	payload, err := json.Marshal(map[string]string{
		"status":  string(models.StatusImageMaxresResized),
		"imageId": msg.ImageID,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("call webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// cropRect converts percentage crop coordinates into a pixel rectangle
// clamped to bounds
func cropRect(bounds image.Rectangle, x, y, w, h float64) image.Rectangle {
	width := float64(bounds.Dx())
	height := float64(bounds.Dy())

	left := int(math.Round(width * x / 100))
	top := int(math.Round(height * y / 100))
	right := left + int(math.Round(width*w/100))
	bottom := top + int(math.Round(height*h/100))

	return image.Rect(left, top, right, bottom).Add(bounds.Min).Intersect(bounds)
}
