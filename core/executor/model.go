package executor

import (
	"context"
	"fmt"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/worker"
	"lora-orchestrator/training"

	"go.uber.org/zap"
)

// FetchModel has the trainer download the base checkpoint and records
// model_ready once the trainer reported the download complete
func (e *TrainingExecutor) FetchModel(ctx context.Context, msg models.TaskMessage) error {
	rc, ok, err := e.loadRun(ctx, msg, models.RunStatePendingModel)
	if err != nil || !ok {
		return err
	}
	runID := rc.Run.ID

	ready, err := e.deps.Events.Has(ctx, runID, models.StatusModelReady)
	if err != nil {
		return err
	}
	if ready {
		return nil
	}

	done, err := e.deps.Events.Has(ctx, runID, models.StatusDownloadingCheckpointCompleted)
	if err != nil {
		return err
	}
	if done {
		return e.apply(ctx, runID, models.StatusModelReady, map[string]interface{}{
			"checkpoint": rc.Training.BaseModelURL,
		})
	}

	started, err := e.deps.Events.Has(ctx, runID, models.StatusDownloadingCheckpointStarted)
	if err != nil {
		return err
	}
	if !started {
		if rc.Training.BaseModelURL == "" {
			return e.fail(ctx, runID, "training has no base model")
		}
		checkpointURL, err := e.deps.Checkpoints.CheckpointURL(ctx, rc.Training.BaseModelURL, e.cfg.CheckpointURLExpiry)
		if err != nil {
			return e.fail(ctx, runID, err.Error())
		}
		if err := e.requestCheckpoint(ctx, runID, checkpointURL); err != nil {
			return err
		}
	}

	return worker.Retry(e.cfg.ModelPollDelay, "checkpoint download of run %s in progress", runID)
}

func (e *TrainingExecutor) requestCheckpoint(ctx context.Context, runID, checkpointURL string) error {
	host, err := e.host(ctx, runID)
	if err != nil {
		return err
	}

	if err := e.deps.Trainer.DownloadCheckpoint(ctx, host, checkpointURL, e.WebhookURL(runID)); err != nil {
		return fmt.Errorf("request checkpoint download: %w", err)
	}

	e.logger.Info("checkpoint download requested", zap.String("run_id", runID), zap.String("host", host))
	return nil
}

// BeginTraining creates the trainer session of a run, at most once, and
// starts it. The trainer reports training_starting through the webhook.
func (e *TrainingExecutor) BeginTraining(ctx context.Context, msg models.TaskMessage) error {
	rc, ok, err := e.loadRun(ctx, msg, models.RunStatePendingModel)
	if err != nil || !ok {
		return err
	}
	runID := rc.Run.ID

	host, err := e.host(ctx, runID)
	if err != nil {
		return err
	}
	if !e.deps.Trainer.Ready(ctx, host) {
		return worker.Retry(e.cfg.TrainerPollDelay, "trainer on %s not answering", host)
	}

	sessionID := ""
	if rc.Run.TrainerSessionID != nil {
		sessionID = *rc.Run.TrainerSessionID
	}

	if sessionID == "" {
		config, err := training.MergeConfig(rc.Training.Config, map[string]interface{}{
			training.KeyOutputName:  rc.Training.Name,
			training.KeyTriggerWord: rc.Training.TriggerWord,
			training.KeyWebhookURL:  e.WebhookURL(runID),
		})
		if err != nil {
			return e.fail(ctx, runID, err.Error())
		}

		created, err := e.deps.Trainer.CreateSession(ctx, host, config)
		if err != nil {
			return fmt.Errorf("create trainer session: %w", err)
		}

		sessionID, err = e.deps.Runs.ClaimTrainerSession(ctx, runID, created)
		if err != nil {
			return fmt.Errorf("store trainer session: %w", err)
		}
	}

	if err := e.deps.Trainer.StartSession(ctx, host, sessionID); err != nil {
		return fmt.Errorf("start trainer session: %w", err)
	}

	e.logger.Info("training session started",
		zap.String("run_id", runID),
		zap.String("session_id", sessionID),
	)
	return nil
}
