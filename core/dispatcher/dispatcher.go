// Package dispatcher enqueues follow-up work for training runs.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lora-orchestrator/core/models"

	"go.uber.org/zap"
)

// ErrQueueNotConfigured is returned when a message targets a queue this
// process was started without
var ErrQueueNotConfigured = errors.New("queue not configured")

// Sender enqueues one message body
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// FailureRecorder counts messages that could not be enqueued
type FailureRecorder interface {
	RecordDispatchFailure(task string)
}

// Dispatcher serializes work items and sends them to their queues. Delivery
// is at least once and fire and forget: failures are logged and counted for
// operators to reconcile, never retried here.
type Dispatcher struct {
	tasks    Sender
	resize   Sender
	archive  Sender
	recorder FailureRecorder
	logger   *zap.Logger
}

// New creates a dispatcher. resize, archive and recorder may be nil.
func New(tasks, resize, archive Sender, recorder FailureRecorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:    tasks,
		resize:   resize,
		archive:  archive,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch enqueues exactly one pipeline-stage task for a run
func (d *Dispatcher) Dispatch(ctx context.Context, task models.TaskName, runID, trainingID string) error {
	msg := models.TaskMessage{
		Task:       task,
		TrainingID: trainingID,
		RunID:      runID,
	}
	err := d.send(ctx, d.tasks, string(task), msg)
	if err == nil {
		d.logger.Debug("task enqueued",
			zap.String("task", string(task)),
			zap.String("run_id", runID),
			zap.String("training_id", trainingID),
		)
	}
	return err
}

// EnqueueResize enqueues a max-resolution resize of one image
func (d *Dispatcher) EnqueueResize(ctx context.Context, msg models.ResizeMessage) error {
	return d.send(ctx, d.resize, "resize", msg)
}

// EnqueueArchive enqueues building the archive of a folder
func (d *Dispatcher) EnqueueArchive(ctx context.Context, msg models.ArchiveMessage) error {
	return d.send(ctx, d.archive, "archive", msg)
}

func (d *Dispatcher) send(ctx context.Context, q Sender, kind string, msg interface{}) error {
	err := d.trySend(ctx, q, msg)
	if err != nil {
		if d.recorder != nil {
			d.recorder.RecordDispatchFailure(kind)
		}
		d.logger.Error("failed to enqueue message",
			zap.String("task", kind),
			zap.Any("message", msg),
			zap.Error(err),
		)
	}
	return err
}

func (d *Dispatcher) trySend(ctx context.Context, q Sender, msg interface{}) error {
	if q == nil {
		return ErrQueueNotConfigured
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return q.Send(ctx, body)
}
