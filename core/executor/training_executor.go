// Package executor runs the pipeline stages that take a training run from a
// bare request to a training session on a provisioned GPU instance.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"lora-orchestrator/core/lifecycle"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/worker"
	"lora-orchestrator/storage"
	"lora-orchestrator/training"

	"go.uber.org/zap"
)

// RunStore reads runs and stores stage results on them
type RunStore interface {
	GetRunContext(ctx context.Context, runID string) (*models.RunContext, error)
	UpdateTrainingConfig(ctx context.Context, id, config string) error
	ClaimTrainerSession(ctx context.Context, runID, sessionID string) (string, error)
}

// ImageStore lists training images and tracks resize requests
type ImageStore interface {
	ListImages(ctx context.Context, trainingID string) ([]models.TrainingImage, error)
	MarkResizeQueued(ctx context.Context, imageID string, at time.Time) error
}

// AllocationStore records the GPU instance of each run
type AllocationStore interface {
	CreateAllocation(ctx context.Context, alloc models.GPUAllocation) (*models.GPUAllocation, error)
	GetAllocation(ctx context.Context, runID string) (*models.GPUAllocation, error)
	MarkRunning(ctx context.Context, runID, publicIP string) error
}

// Provisioner launches and inspects GPU instances
type Provisioner interface {
	CheapestInstanceType(ctx context.Context) (string, error)
	ProvisionGPUInstance(ctx context.Context, runID, instanceType, userData string) (string, error)
	DescribeInstance(ctx context.Context, instanceID string) (*models.InstanceStatus, error)
}

// Trainer drives the training service on a GPU instance
type Trainer interface {
	Ready(ctx context.Context, host string) bool
	DownloadCheckpoint(ctx context.Context, host, checkpointURL, webhookURL string) error
	CreateSession(ctx context.Context, host string, config []byte) (string, error)
	StartSession(ctx context.Context, host, sessionID string) error
}

// StatusApplier feeds pipeline milestones into the run state machine
type StatusApplier interface {
	Apply(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*lifecycle.Outcome, error)
}

// EventHistory answers whether a run already reported a status
type EventHistory interface {
	Has(ctx context.Context, runID string, status models.Status) (bool, error)
}

// ResizeQueue accepts max-resolution resize requests
type ResizeQueue interface {
	EnqueueResize(ctx context.Context, msg models.ResizeMessage) error
}

// Archiver zips a folder of training images
type Archiver interface {
	Handle(ctx context.Context, msg models.ArchiveMessage) (string, error)
}

// CheckpointSigner turns a base model location into a downloadable URL
type CheckpointSigner interface {
	CheckpointURL(ctx context.Context, location string, expiry time.Duration) (string, error)
}

// Config tunes the pipeline stages
type Config struct {
	MaxResBucket        string // Bucket holding resized images, captions and archives
	PublicBaseURL       string // Base of the webhook URL handed to trainers and resizers
	TrainerImage        string
	TrainerPort         int
	TrainerToken        string
	ResizeRequeueAfter  time.Duration // Resend resize requests that got no answer for this long
	GPUPollDelay        time.Duration
	ImagesPollDelay     time.Duration
	ModelPollDelay      time.Duration
	TrainerPollDelay    time.Duration
	CheckpointURLExpiry time.Duration
}

func (c *Config) setDefaults() {
	if c.TrainerPort == 0 {
		c.TrainerPort = 7860
	}
	if c.ResizeRequeueAfter <= 0 {
		c.ResizeRequeueAfter = 5 * time.Minute
	}
	if c.GPUPollDelay <= 0 {
		c.GPUPollDelay = 30 * time.Second
	}
	if c.ImagesPollDelay <= 0 {
		c.ImagesPollDelay = 15 * time.Second
	}
	if c.ModelPollDelay <= 0 {
		c.ModelPollDelay = 20 * time.Second
	}
	if c.TrainerPollDelay <= 0 {
		c.TrainerPollDelay = 20 * time.Second
	}
	if c.CheckpointURLExpiry <= 0 {
		c.CheckpointURLExpiry = storage.DefaultCheckpointURLExpiry
	}
}

// Deps are the collaborators of the pipeline stages
type Deps struct {
	Runs        RunStore
	Images      ImageStore
	Allocations AllocationStore
	Provisioner Provisioner
	Trainer     Trainer
	Machine     StatusApplier
	Events      EventHistory
	Resize      ResizeQueue
	Archiver    Archiver
	Objects     storage.ObjectStore
	Checkpoints CheckpointSigner
}

// TrainingExecutor runs the pipeline stages. Every stage can be redelivered
// and run again; it then finds its earlier work and carries on from there.
type TrainingExecutor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewTrainingExecutor creates the stage handlers
func NewTrainingExecutor(cfg Config, deps Deps, logger *zap.Logger) *TrainingExecutor {
	cfg.setDefaults()
	return &TrainingExecutor{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(zap.String("component", "executor")),
		now:    time.Now,
	}
}

// Register binds every stage to its task name
func (e *TrainingExecutor) Register(r *worker.Router) {
	r.Register(models.TaskAllocateGPU, e.AllocateGPU)
	r.Register(models.TaskFetchImages, e.FetchImages)
	r.Register(models.TaskFetchModel, e.FetchModel)
	r.Register(models.TaskBeginTraining, e.BeginTraining)
}

// WebhookURL is where status codes of a run are reported
func (e *TrainingExecutor) WebhookURL(runID string) string {
	return strings.TrimRight(e.cfg.PublicBaseURL, "/") + "/runs/" + runID + "/webhook"
}

// loadRun resolves the run of a task message. ok is false when the run is no
// longer in state, which makes the message obsolete.
func (e *TrainingExecutor) loadRun(ctx context.Context, msg models.TaskMessage, state models.RunState) (*models.RunContext, bool, error) {
	if msg.RunID == "" {
		return nil, false, fmt.Errorf("task %s for training %s without runId", msg.Task, msg.TrainingID)
	}

	rc, err := e.deps.Runs.GetRunContext(ctx, msg.RunID)
	if errors.Is(err, models.ErrNotFound) {
		e.logger.Warn("dropping task for missing run",
			zap.String("task", string(msg.Task)),
			zap.String("run_id", msg.RunID),
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load run %s: %w", msg.RunID, err)
	}

	if rc.Run.Status != state {
		e.logger.Info("run moved on, dropping task",
			zap.String("task", string(msg.Task)),
			zap.String("run_id", msg.RunID),
			zap.String("status", string(rc.Run.Status)),
		)
		return rc, false, nil
	}
	return rc, true, nil
}

// host returns the address of the run's GPU instance once it is running
func (e *TrainingExecutor) host(ctx context.Context, runID string) (string, error) {
	alloc, err := e.deps.Allocations.GetAllocation(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load allocation of run %s: %w", runID, err)
	}
	if alloc.PublicIP == "" {
		return "", fmt.Errorf("allocation of run %s has no address", runID)
	}
	return alloc.PublicIP, nil
}

func (e *TrainingExecutor) apply(ctx context.Context, runID string, status models.Status, payload map[string]interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}

	out, err := e.deps.Machine.Apply(ctx, runID, status, raw)
	if err != nil {
		return fmt.Errorf("apply %s to run %s: %w", status, runID, err)
	}
	if out.DispatchErr != nil {
		// The milestone is recorded; the next stage has to be resubmitted by hand.
		e.logger.Error("milestone recorded without follow-up task",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(out.DispatchErr),
		)
	}
	return nil
}

// fail moves the run to failed. The task itself completed.
func (e *TrainingExecutor) fail(ctx context.Context, runID, reason string) error {
	e.logger.Warn("failing training run", zap.String("run_id", runID), zap.String("reason", reason))
	return e.apply(ctx, runID, models.StatusTrainingFailed, map[string]interface{}{"error": reason})
}

func (e *TrainingExecutor) launchScript(runID string) (string, error) {
	return training.LaunchScript(training.LaunchParams{
		RunID:        runID,
		TrainerImage: e.cfg.TrainerImage,
		TrainerPort:  e.cfg.TrainerPort,
		TrainerToken: e.cfg.TrainerToken,
		WebhookURL:   e.WebhookURL(runID),
	})
}
