package executor

import (
	"context"
	"errors"
	"fmt"

	"lora-orchestrator/core/models"
	"lora-orchestrator/core/worker"

	"go.uber.org/zap"
)

// AllocateGPU provisions the GPU instance of a run and waits until its trainer
// answers, then records gpu_allocated.
//
// Instances are launched with the run ID as idempotency token, so a retry
// after a crash between launch and bookkeeping gets the same instance back.
func (e *TrainingExecutor) AllocateGPU(ctx context.Context, msg models.TaskMessage) error {
	rc, ok, err := e.loadRun(ctx, msg, models.RunStatePendingGPU)
	if err != nil || !ok {
		return err
	}
	runID := rc.Run.ID
	log := e.logger.With(zap.String("run_id", runID))

	alloc, err := e.deps.Allocations.GetAllocation(ctx, runID)
	if errors.Is(err, models.ErrNotFound) {
		alloc, err = e.provision(ctx, runID)
	}
	if err != nil {
		return err
	}

	status, err := e.deps.Provisioner.DescribeInstance(ctx, alloc.InstanceID)
	if err != nil {
		return fmt.Errorf("describe instance %s: %w", alloc.InstanceID, err)
	}
	switch status.State {
	case "shutting-down", "terminated", "stopping", "stopped":
		return e.fail(ctx, runID, fmt.Sprintf("gpu instance %s is %s", alloc.InstanceID, status.State))
	}
	if !status.Running() {
		return worker.Retry(e.cfg.GPUPollDelay, "instance %s is %s", alloc.InstanceID, status.State)
	}

	if alloc.State == models.AllocationRequested {
		if err := e.deps.Allocations.MarkRunning(ctx, runID, status.PublicIP); err != nil {
			return fmt.Errorf("mark allocation running: %w", err)
		}
	}

	if !e.deps.Trainer.Ready(ctx, status.PublicIP) {
		return worker.Retry(e.cfg.TrainerPollDelay, "trainer on %s not answering yet", status.PublicIP)
	}

	log.Info("gpu instance ready",
		zap.String("instance_id", alloc.InstanceID),
		zap.String("public_ip", status.PublicIP),
	)

	return e.apply(ctx, runID, models.StatusGPUAllocated, map[string]interface{}{
		"instanceId":   alloc.InstanceID,
		"instanceType": alloc.InstanceType,
		"publicIp":     status.PublicIP,
	})
}

func (e *TrainingExecutor) provision(ctx context.Context, runID string) (*models.GPUAllocation, error) {
	instanceType, err := e.deps.Provisioner.CheapestInstanceType(ctx)
	if err != nil {
		return nil, fmt.Errorf("choose instance type: %w", err)
	}

	userData, err := e.launchScript(runID)
	if err != nil {
		return nil, err
	}

	instanceID, err := e.deps.Provisioner.ProvisionGPUInstance(ctx, runID, instanceType, userData)
	if err != nil {
		return nil, fmt.Errorf("provision gpu instance: %w", err)
	}

	e.logger.Info("gpu instance launched",
		zap.String("run_id", runID),
		zap.String("instance_id", instanceID),
		zap.String("instance_type", instanceType),
	)

	alloc, err := e.deps.Allocations.CreateAllocation(ctx, models.GPUAllocation{
		RunID:        runID,
		InstanceID:   instanceID,
		InstanceType: instanceType,
		State:        models.AllocationRequested,
	})
	if err != nil {
		return nil, fmt.Errorf("record allocation: %w", err)
	}
	return alloc, nil
}
