package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"lora-orchestrator/core/lifecycle"
	"lora-orchestrator/core/models"

	"go.uber.org/zap/zaptest"
)

type staticDrops uint64

func (d staticDrops) Dropped() uint64 { return uint64(d) }

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics(staticDrops(3))
	m.RecordStatus(models.StatusTrainingProgress)
	m.RecordStatus(models.StatusTrainingProgress)
	m.RecordStatus(models.StatusGPUAllocated)
	m.RecordDispatchFailure("fetchImages")
	m.RecordTask("allocateGpu", "retry")
	m.RecordTask("allocateGpu", "success")

	out := m.GetPrometheusMetrics()
	for _, want := range []string{
		`status_events_total{status="gpu_allocated"} 1`,
		`status_events_total{status="training_progress"} 2`,
		`dispatch_failures_total{task="fetchImages"} 1`,
		`tasks_processed_total{task="allocateGpu",result="retry"} 1`,
		`tasks_processed_total{task="allocateGpu",result="success"} 1`,
		`notifications_dropped_total 3`,
		"# TYPE status_events_total counter",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics missing %q\n%s", want, out)
		}
	}

	if strings.Index(out, `status="gpu_allocated"`) > strings.Index(out, `status="training_progress"`) {
		t.Error("series should be sorted")
	}
}

type fakeRunLister struct {
	runs   []models.TrainingRun
	cutoff time.Time
}

func (f *fakeRunLister) ListStalledRuns(ctx context.Context, cutoff time.Time, limit int) ([]models.TrainingRun, error) {
	f.cutoff = cutoff
	return f.runs, nil
}

type fakeApplier struct {
	failed   map[string]string
	terminal map[string]bool
}

func (f *fakeApplier) Apply(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*lifecycle.Outcome, error) {
	if runID == "broken" {
		return nil, errors.New("db down")
	}
	var body map[string]string
	_ = json.Unmarshal(payload, &body)
	changed := !f.terminal[runID]
	if changed {
		f.failed[runID] = body["error"]
		f.terminal[runID] = true
	}
	return &lifecycle.Outcome{Changed: changed}, nil
}

type fakeReleaser struct {
	allocs   []models.GPUAllocation
	released []string
}

func (f *fakeReleaser) ListReleasable(ctx context.Context, limit int) ([]models.GPUAllocation, error) {
	return f.allocs, nil
}

func (f *fakeReleaser) MarkReleased(ctx context.Context, runID string) error {
	f.released = append(f.released, runID)
	return nil
}

type fakeTerminator struct {
	terminated []string
	fail       string
}

func (f *fakeTerminator) TerminateInstance(ctx context.Context, instanceID string) error {
	if instanceID == f.fail {
		return errors.New("throttled")
	}
	f.terminated = append(f.terminated, instanceID)
	return nil
}

func TestRunMonitorSweep(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	lister := &fakeRunLister{runs: []models.TrainingRun{
		{ID: "run-1", Status: models.RunStatePendingModel},
		{ID: "run-2", Status: models.RunStateTraining},
		{ID: "broken", Status: models.RunStateTraining},
	}}
	applier := &fakeApplier{failed: map[string]string{}, terminal: map[string]bool{"run-2": true}}
	releaser := &fakeReleaser{allocs: []models.GPUAllocation{
		{RunID: "run-3", InstanceID: "i-3", CreatedAt: now.Add(-time.Hour)},
		{RunID: "run-4", InstanceID: "i-4", CreatedAt: now.Add(-time.Hour)},
	}}
	terminator := &fakeTerminator{fail: "i-4"}
	metrics := NewMetrics(nil)

	rm := NewRunMonitor(RunMonitorConfig{StallPeriod: 15 * time.Minute}, lister, applier, releaser, terminator, metrics, zaptest.NewLogger(t))
	rm.now = func() time.Time { return now }

	stalled, released := rm.Sweep(context.Background())

	if !lister.cutoff.Equal(now.Add(-15 * time.Minute)) {
		t.Errorf("unexpected cutoff %v", lister.cutoff)
	}
	if stalled != 1 || applier.failed["run-1"] != "stalled" {
		t.Errorf("expected run-1 failed as stalled, got %d %v", stalled, applier.failed)
	}
	if released != 1 || len(releaser.released) != 1 || releaser.released[0] != "run-3" {
		t.Errorf("expected only run-3 released, got %d %v", released, releaser.released)
	}

	out := metrics.GetPrometheusMetrics()
	if !strings.Contains(out, "stalled_runs_total 1") || !strings.Contains(out, "gpu_instances_released_total 1") {
		t.Errorf("sweep not counted:\n%s", out)
	}
	if strings.Contains(out, "notifications_dropped_total") {
		t.Error("drop counter should be omitted without a source")
	}
}

func TestRunMonitorStopsOnCancel(t *testing.T) {
	rm := NewRunMonitor(RunMonitorConfig{Interval: time.Millisecond}, &fakeRunLister{}, &fakeApplier{failed: map[string]string{}, terminal: map[string]bool{}}, &fakeReleaser{}, &fakeTerminator{}, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rm.Start(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
