package models

import "time"

// Training is a user's LoRA training configuration
type Training struct {
	ID           string
	OwnerID      string
	Name         string
	TriggerWord  string
	BaseModelURL string // Checkpoint the trainer downloads before training
	Config       string // JSON training parameters, merged with defaults before training
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TrainingRun is one execution attempt of a Training
type TrainingRun struct {
	ID               string
	TrainingID       string
	Status           RunState
	TrainerSessionID *string
	FailedAt         *time.Time
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RunContext is a run joined with the training it belongs to
type RunContext struct {
	Run      *TrainingRun
	Training *Training
}

// OwnerID returns the user that owns the run
func (rc *RunContext) OwnerID() string {
	return rc.Training.OwnerID
}

// TrainingImage is one uploaded image of a training
type TrainingImage struct {
	ID             string
	TrainingID     string
	Name           string // Filename, e.g. "portrait-01.jpg"
	URL            string // Storage key in the upload bucket
	Caption        string
	IsResized      bool
	ResizeQueuedAt *time.Time
}
