package models

// RunState is the coarse lifecycle stage of a training run
type RunState string

const (
	RunStatePendingGPU    RunState = "pending_gpu"
	RunStatePendingImages RunState = "pending_images"
	RunStatePendingModel  RunState = "pending_model"
	RunStateTraining      RunState = "training"
	RunStateCompleted     RunState = "completed"
	RunStateFailed        RunState = "failed"
)

// Terminal reports whether no further lifecycle transitions leave this state
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// TerminalStates lists the absorbing lifecycle states
var TerminalStates = []RunState{RunStateCompleted, RunStateFailed}

// Status is a status code reported for a training run, either by the remote
// trainer through the webhook or by a pipeline worker
type Status string

const (
	// Pipeline milestones produced by workers
	StatusRunCreated   Status = "run_created"
	StatusGPUAllocated Status = "gpu_allocated"
	StatusImagesReady  Status = "images_ready"
	StatusModelReady   Status = "model_ready"

	// Trainer lifecycle codes
	StatusTrainingStarting  Status = "training_starting"
	StatusTrainingCompleted Status = "training_completed"
	StatusCompleted         Status = "completed"
	StatusTrainingFailed    Status = "training_failed"

	// Informational codes
	StatusDownloadingCheckpointStarted   Status = "downloading_checkpoint_started"
	StatusDownloadingCheckpointProgress  Status = "downloading_checkpoint_progress"
	StatusDownloadingCheckpointCompleted Status = "downloading_checkpoint_completed"
	StatusDownloadingImagesStarted       Status = "downloading_images_started"
	StatusDownloadingImagesProgress      Status = "downloading_images_progress"
	StatusDownloadingImagesCompleted     Status = "downloading_images_completed"
	StatusTrainingProgress               Status = "training_progress"
	StatusImageMaxresResized             Status = "image_maxres_resized"
)

var knownStatuses = map[Status]struct{}{
	StatusRunCreated:                     {},
	StatusGPUAllocated:                   {},
	StatusImagesReady:                    {},
	StatusModelReady:                     {},
	StatusTrainingStarting:               {},
	StatusTrainingCompleted:              {},
	StatusCompleted:                      {},
	StatusTrainingFailed:                 {},
	StatusDownloadingCheckpointStarted:   {},
	StatusDownloadingCheckpointProgress:  {},
	StatusDownloadingCheckpointCompleted: {},
	StatusDownloadingImagesStarted:       {},
	StatusDownloadingImagesProgress:      {},
	StatusDownloadingImagesCompleted:     {},
	StatusTrainingProgress:               {},
	StatusImageMaxresResized:             {},
}

// milestones are recorded by the pipeline itself and never accepted from callers
var milestones = map[Status]struct{}{
	StatusRunCreated:   {},
	StatusGPUAllocated: {},
	StatusImagesReady:  {},
	StatusModelReady:   {},
}

// Valid reports whether s belongs to the closed status enumeration
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// External reports whether s may be reported from outside the pipeline, by
// the remote trainer or the resize worker
func (s Status) External() bool {
	_, internal := milestones[s]
	return s.Valid() && !internal
}

// ParseExternalStatus validates a status code received over the webhook
func ParseExternalStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.External() {
		return "", &InvalidStatusError{Status: raw}
	}
	return s, nil
}
