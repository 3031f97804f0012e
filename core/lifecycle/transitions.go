package lifecycle

import (
	"encoding/json"

	"lora-orchestrator/core/models"
)

// Transition is the effect of a lifecycle status code on its run: the run
// moves to To when it is currently in one of From, and Task is enqueued when
// the move happened. A Once transition only takes effect for the first event
// of its status, which keeps self-transitions from re-enqueueing Task.
type Transition struct {
	From []models.RunState
	To   models.RunState
	Task models.TaskName
	Once bool
}

// move is the conditional state change t applies for an event with payload,
// or nil when t never moves a run on its own
func (t Transition) move(payload json.RawMessage) *models.RunMove {
	if len(t.From) == 0 {
		return nil
	}
	m := &models.RunMove{From: t.From, To: t.To, Once: t.Once}
	if t.To == models.RunStateFailed {
		m.Reason = failureReason(payload)
	}
	return m
}

var active = []models.RunState{
	models.RunStatePendingGPU,
	models.RunStatePendingImages,
	models.RunStatePendingModel,
	models.RunStateTraining,
}

// activeExcept lists the non-terminal states other than s
func activeExcept(s models.RunState) []models.RunState {
	out := make([]models.RunState, 0, len(active))
	for _, st := range active {
		if st != s {
			out = append(out, st)
		}
	}
	return out
}

// transitions maps every lifecycle status code to its effect. Codes missing
// from the table are informational and never change the run.
var transitions = map[models.Status]Transition{
	// run_created is recorded by Start, which creates the run already in pending_gpu
	models.StatusRunCreated: {
		To:   models.RunStatePendingGPU,
		Task: models.TaskAllocateGPU,
	},
	models.StatusGPUAllocated: {
		From: []models.RunState{models.RunStatePendingGPU},
		To:   models.RunStatePendingImages,
		Task: models.TaskFetchImages,
	},
	models.StatusImagesReady: {
		From: []models.RunState{models.RunStatePendingImages},
		To:   models.RunStatePendingModel,
		Task: models.TaskFetchModel,
	},
	// the run stays in pending_model until the trainer reports training_starting
	models.StatusModelReady: {
		From: []models.RunState{models.RunStatePendingModel},
		To:   models.RunStatePendingModel,
		Task: models.TaskBeginTraining,
		Once: true,
	},
	models.StatusTrainingStarting: {
		From: activeExcept(models.RunStateTraining),
		To:   models.RunStateTraining,
	},
	models.StatusTrainingCompleted: {
		From: active,
		To:   models.RunStateCompleted,
	},
	models.StatusCompleted: {
		From: active,
		To:   models.RunStateCompleted,
	},
	models.StatusTrainingFailed: {
		From: active,
		To:   models.RunStateFailed,
	},
}

// Lookup returns the transition driven by status, or false for informational codes
func Lookup(status models.Status) (Transition, bool) {
	t, ok := transitions[status]
	return t, ok
}

// IsLifecycle reports whether status can change a run's state
func IsLifecycle(status models.Status) bool {
	_, ok := transitions[status]
	return ok
}
