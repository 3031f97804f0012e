package media

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lora-orchestrator/core/models"
	"lora-orchestrator/storage"

	"go.uber.org/zap"
)

// ErrNothingToArchive is returned when a folder holds no objects
var ErrNothingToArchive = errors.New("no files found to archive")

// archiveModTime is stamped on every entry so identical inputs produce identical archives
var archiveModTime = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// Archiver zips a folder into <prefix>zip/output.zip in the same bucket
type Archiver struct {
	store  storage.ObjectStore
	logger *zap.Logger
}

// NewArchiver creates the archive transform
func NewArchiver(store storage.ObjectStore, logger *zap.Logger) *Archiver {
	return &Archiver{
		store:  store,
		logger: logger.With(zap.String("component", "archiver")),
	}
}

// Handle archives msg.Key. Triggers on an archive folder are ignored.
func (a *Archiver) Handle(ctx context.Context, msg models.ArchiveMessage) (string, error) {
	if msg.Bucket == "" || msg.Key == "" {
		return "", fmt.Errorf("archive message missing bucket or key")
	}
	if IsArchiveKey(msg.Key) {
		a.logger.Debug("skipping archive output", zap.String("key", msg.Key))
		return "", nil
	}

	prefix := msg.Key
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	body, count, err := a.Build(ctx, msg.Bucket, prefix)
	if err != nil {
		return "", err
	}

	key := ArchiveKey(prefix)
	if err := a.store.Put(ctx, msg.Bucket, key, &storage.Object{Body: body, ContentType: "application/zip"}); err != nil {
		return "", err
	}

	a.logger.Info("archive written",
		zap.String("bucket", msg.Bucket),
		zap.String("key", key),
		zap.Int("files", count),
	)
	return key, nil
}

// HandleMessage decodes and handles an archive queue message
func (a *Archiver) HandleMessage(ctx context.Context, body []byte) error {
	var msg models.ArchiveMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decode archive message: %w", err)
	}
	_, err := a.Handle(ctx, msg)
	return err
}

// Build zips every object under prefix except previous archives. Entries
// are named by their path below prefix and written in key order.
func (a *Archiver) Build(ctx context.Context, bucket, prefix string) ([]byte, int, error) {
	keys, err := a.store.List(ctx, bucket, prefix)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	count := 0

	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if name == "" || strings.HasSuffix(name, "/") || IsArchiveKey(name) {
			continue
		}

		obj, err := a.store.Get(ctx, bucket, key)
		if err != nil {
			return nil, 0, fmt.Errorf("load %s: %w", key, err)
		}

		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: archiveModTime,
		})
		if err != nil {
			return nil, 0, err
		}
		if _, err := w.Write(obj.Body); err != nil {
			return nil, 0, err
		}
		count++
	}

	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	if count == 0 {
		return nil, 0, ErrNothingToArchive
	}

	return buf.Bytes(), count, nil
}
