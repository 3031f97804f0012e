// Package lifecycle drives training runs through their states as status
// events arrive from the trainer and from pipeline workers.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/notify"

	"go.uber.org/zap"
)

// RunStore persists trainings and runs
type RunStore interface {
	GetTraining(ctx context.Context, id string) (*models.Training, error)
	CreateRun(ctx context.Context, trainingID string, state models.RunState) (*models.TrainingRun, error)
	GetRunContext(ctx context.Context, runID string) (*models.RunContext, error)
	RecordStatus(ctx context.Context, runID string, status models.Status, payload json.RawMessage, move *models.RunMove) (*models.StatusEvent, bool, error)
}

// EventLog is the status ledger
type EventLog interface {
	Append(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*models.StatusEvent, error)
}

// ImageStore flags images that finished max-resolution resizing
type ImageStore interface {
	MarkResized(ctx context.Context, imageID string) error
}

// Dispatcher enqueues the follow-up task of a transition
type Dispatcher interface {
	Dispatch(ctx context.Context, task models.TaskName, runID, trainingID string) error
}

// StatusRecorder counts accepted status events
type StatusRecorder interface {
	RecordStatus(status models.Status)
}

// Outcome describes what one Apply call did
type Outcome struct {
	Event   *models.StatusEvent
	Run     *models.RunContext
	From    models.RunState
	To      models.RunState
	Changed bool
	Task    models.TaskName // Enqueued task, empty when none was due

	// DispatchErr is set when the task could not be enqueued. The transition
	// stays committed.
	DispatchErr error
}

// Machine is the run state machine
type Machine struct {
	runs       RunStore
	ledger     EventLog
	images     ImageStore
	dispatcher Dispatcher
	publisher  notify.Publisher
	recorder   StatusRecorder
	logger     *zap.Logger
}

// NewMachine creates a run state machine. recorder may be nil.
func NewMachine(
	runs RunStore,
	ledger EventLog,
	images ImageStore,
	dispatcher Dispatcher,
	publisher notify.Publisher,
	recorder StatusRecorder,
	logger *zap.Logger,
) *Machine {
	return &Machine{
		runs:       runs,
		ledger:     ledger,
		images:     images,
		dispatcher: dispatcher,
		publisher:  publisher,
		recorder:   recorder,
		logger:     logger.With(zap.String("component", "lifecycle")),
	}
}

// Apply validates and records a status event for a run, moves the run when
// the code is a lifecycle code, enqueues the follow-up task of the move and
// notifies the run's owner.
//
// Unknown codes fail with *models.InvalidStatusError before anything is
// written. Informational codes are recorded even after the run is terminal.
func (m *Machine) Apply(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*Outcome, error) {
	if !status.Valid() {
		return nil, &models.InvalidStatusError{Status: string(status)}
	}

	if len(payload) > 0 && !json.Valid(payload) {
		return nil, fmt.Errorf("status payload for run %s is not valid JSON", runID)
	}

	rc, err := m.runs.GetRunContext(ctx, runID)
	if err != nil {
		return nil, models.Transient("load training run", err)
	}

	t, ok := Lookup(status)
	var move *models.RunMove
	if ok {
		move = t.move(payload)
	}

	event, changed, err := m.runs.RecordStatus(ctx, runID, status, payload, move)
	if err != nil {
		return nil, models.Transient("record status event", err)
	}

	if status == models.StatusImageMaxresResized {
		m.markResized(ctx, runID, payload)
	}

	out := &Outcome{
		Event: event,
		Run:   rc,
		From:  rc.Run.Status,
		To:    rc.Run.Status,
	}

	if changed {
		out.Changed = true
		out.To = t.To
		rc.Run.Status = t.To
		if t.Task != "" {
			out.Task = t.Task
			out.DispatchErr = m.dispatch(ctx, t.Task, rc)
		}
	}

	if m.recorder != nil {
		m.recorder.RecordStatus(status)
	}
	m.publish(rc, event)

	m.logger.Info("status applied",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.String("from", string(out.From)),
		zap.String("to", string(out.To)),
		zap.Bool("changed", out.Changed),
	)

	return out, nil
}

// Start creates a new run of a training in pending_gpu, records run_created
// and enqueues GPU allocation. It fails with models.ErrRunInProgress when the
// training already has a run that has not finished.
func (m *Machine) Start(ctx context.Context, trainingID string) (*Outcome, error) {
	training, err := m.runs.GetTraining(ctx, trainingID)
	if err != nil {
		return nil, models.Transient("load training", err)
	}

	t, _ := Lookup(models.StatusRunCreated)

	run, err := m.runs.CreateRun(ctx, trainingID, t.To)
	if err != nil {
		return nil, models.Transient("create training run", err)
	}
	rc := &models.RunContext{Run: run, Training: training}

	event, err := m.ledger.Append(ctx, run.ID, models.StatusRunCreated, nil)
	if err != nil {
		return nil, err
	}

	out := &Outcome{
		Event:   event,
		Run:     rc,
		To:      t.To,
		Changed: true,
		Task:    t.Task,
	}
	out.DispatchErr = m.dispatch(ctx, t.Task, rc)

	if m.recorder != nil {
		m.recorder.RecordStatus(models.StatusRunCreated)
	}
	m.publish(rc, event)

	m.logger.Info("training run started",
		zap.String("training_id", trainingID),
		zap.String("run_id", run.ID),
	)

	return out, nil
}

// dispatch enqueues task. A failure is logged and returned but never undoes
// the transition that already committed.
func (m *Machine) dispatch(ctx context.Context, task models.TaskName, rc *models.RunContext) error {
	if err := m.dispatcher.Dispatch(ctx, task, rc.Run.ID, rc.Training.ID); err != nil {
		m.logger.Error("task dispatch failed, run needs manual resubmission",
			zap.String("task", string(task)),
			zap.String("run_id", rc.Run.ID),
			zap.String("training_id", rc.Training.ID),
			zap.Error(err),
		)
		return &models.DispatchError{Task: task, RunID: rc.Run.ID, Err: err}
	}
	return nil
}

func (m *Machine) publish(rc *models.RunContext, event *models.StatusEvent) {
	m.publisher.Publish(rc.OwnerID(), notify.Event{
		TrainingID:    rc.Training.ID,
		TrainingRunID: rc.Run.ID,
		Body:          notificationBody(event),
	})
}

func (m *Machine) markResized(ctx context.Context, runID string, payload json.RawMessage) {
	var body struct {
		ImageID string `json:"imageId"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.ImageID == "" {
		m.logger.Warn("image_maxres_resized without imageId", zap.String("run_id", runID))
		return
	}
	if err := m.images.MarkResized(ctx, body.ImageID); err != nil {
		level := m.logger.Error
		if errors.Is(err, models.ErrNotFound) {
			level = m.logger.Warn
		}
		level("failed to mark image resized",
			zap.String("run_id", runID),
			zap.String("image_id", body.ImageID),
			zap.Error(err),
		)
	}
}

// notificationBody is the event payload with its status code set
func notificationBody(event *models.StatusEvent) json.RawMessage {
	body := event.PayloadMap()
	body["status"] = string(event.Status)
	raw, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"status":%q}`, event.Status))
	}
	return raw
}

func failureReason(payload json.RawMessage) string {
	event := models.StatusEvent{Payload: payload}
	if reason, ok := event.PayloadMap()["error"].(string); ok {
		return reason
	}
	return ""
}
