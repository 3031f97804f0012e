package monitoring

import (
	"context"
	"encoding/json"
	"time"

	"lora-orchestrator/core/lifecycle"
	"lora-orchestrator/core/models"

	"go.uber.org/zap"
)

// RunLister finds runs that stopped reporting
type RunLister interface {
	ListStalledRuns(ctx context.Context, cutoff time.Time, limit int) ([]models.TrainingRun, error)
}

// StatusApplier records status events on runs
type StatusApplier interface {
	Apply(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*lifecycle.Outcome, error)
}

// AllocationReleaser finds and closes GPU allocations of finished runs
type AllocationReleaser interface {
	ListReleasable(ctx context.Context, limit int) ([]models.GPUAllocation, error)
	MarkReleased(ctx context.Context, runID string) error
}

// InstanceTerminator shuts GPU instances down
type InstanceTerminator interface {
	TerminateInstance(ctx context.Context, instanceID string) error
}

// RunMonitorConfig tunes the monitor
type RunMonitorConfig struct {
	Interval    time.Duration // How often to sweep
	StallPeriod time.Duration // Silence after which a run is failed
	BatchSize   int
}

// RunMonitor fails runs that went silent and releases the GPU instances of
// runs that finished
type RunMonitor struct {
	cfg         RunMonitorConfig
	runs        RunLister
	machine     StatusApplier
	allocations AllocationReleaser
	instances   InstanceTerminator
	metrics     *Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewRunMonitor creates a new run monitor. metrics may be nil.
func NewRunMonitor(
	cfg RunMonitorConfig,
	runs RunLister,
	machine StatusApplier,
	allocations AllocationReleaser,
	instances InstanceTerminator,
	metrics *Metrics,
	logger *zap.Logger,
) *RunMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StallPeriod <= 0 {
		cfg.StallPeriod = 15 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &RunMonitor{
		cfg:         cfg,
		runs:        runs,
		machine:     machine,
		allocations: allocations,
		instances:   instances,
		metrics:     metrics,
		logger:      logger.With(zap.String("component", "run_monitor")),
		now:         time.Now,
	}
}

// Start runs sweeps until ctx is cancelled
func (rm *RunMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(rm.cfg.Interval)
	defer ticker.Stop()

	rm.logger.Info("run monitor started",
		zap.Duration("interval", rm.cfg.Interval),
		zap.Duration("stall_period", rm.cfg.StallPeriod),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.Sweep(ctx)
		}
	}
}

// Sweep fails stalled runs, then releases instances of finished runs. It
// returns how many runs were failed and how many instances released.
func (rm *RunMonitor) Sweep(ctx context.Context) (stalled, released int) {
	stalled = rm.failStalledRuns(ctx)
	released = rm.releaseInstances(ctx)

	if rm.metrics != nil {
		rm.metrics.recordSweep(stalled, released)
	}
	return stalled, released
}

func (rm *RunMonitor) failStalledRuns(ctx context.Context) int {
	cutoff := rm.now().Add(-rm.cfg.StallPeriod)
	runs, err := rm.runs.ListStalledRuns(ctx, cutoff, rm.cfg.BatchSize)
	if err != nil {
		rm.logger.Error("failed to list stalled runs", zap.Error(err))
		return 0
	}

	payload, _ := json.Marshal(map[string]string{"error": "stalled"})
	failed := 0
	for _, run := range runs {
		out, err := rm.machine.Apply(ctx, run.ID, models.StatusTrainingFailed, payload)
		if err != nil {
			rm.logger.Error("failed to fail stalled run", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if out.Changed {
			failed++
			rm.logger.Warn("stalled run failed",
				zap.String("run_id", run.ID),
				zap.String("status", string(run.Status)),
			)
		}
	}
	return failed
}

func (rm *RunMonitor) releaseInstances(ctx context.Context) int {
	allocs, err := rm.allocations.ListReleasable(ctx, rm.cfg.BatchSize)
	if err != nil {
		rm.logger.Error("failed to list releasable allocations", zap.Error(err))
		return 0
	}

	released := 0
	for _, alloc := range allocs {
		log := rm.logger.With(zap.String("run_id", alloc.RunID), zap.String("instance_id", alloc.InstanceID))

		if err := rm.instances.TerminateInstance(ctx, alloc.InstanceID); err != nil {
			log.Error("failed to terminate gpu instance", zap.Error(err))
			continue
		}
		if err := rm.allocations.MarkReleased(ctx, alloc.RunID); err != nil {
			log.Error("failed to mark allocation released", zap.Error(err))
			continue
		}

		released++
		log.Info("gpu instance released",
			zap.String("instance_type", alloc.InstanceType),
			zap.Duration("held_for", rm.now().Sub(alloc.CreatedAt)),
		)
	}
	return released
}
