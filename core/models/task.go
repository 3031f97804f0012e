package models

// TaskName identifies a pipeline stage handled by the task worker
type TaskName string

const (
	TaskAllocateGPU   TaskName = "allocateGpu"
	TaskFetchImages   TaskName = "fetchImages"
	TaskFetchModel    TaskName = "fetchModel"
	TaskBeginTraining TaskName = "beginTraining"
)

// TaskMessage is the queue body of a pipeline-stage task
type TaskMessage struct {
	Task       TaskName `json:"task"`
	TrainingID string   `json:"trainingId"`
	RunID      string   `json:"runId,omitempty"`
}

// ResizeMessage is the queue body of a max-resolution resize task
type ResizeMessage struct {
	ImageID    string   `json:"imageId"`
	TrainingID string   `json:"trainingId"`
	ImageURL   string   `json:"imageUrl"`
	WebhookURL string   `json:"webhookUrl"`
	TargetURL  string   `json:"targetUrl,omitempty"`
	CropX      *float64 `json:"cropX,omitempty"` // Percentages of the source dimensions
	CropY      *float64 `json:"cropY,omitempty"`
	CropWidth  *float64 `json:"cropWidth,omitempty"`
	CropHeight *float64 `json:"cropHeight,omitempty"`
	Size       int      `json:"size,omitempty"`
}

// HasCrop reports whether all crop coordinates are present
func (m *ResizeMessage) HasCrop() bool {
	return m.CropX != nil && m.CropY != nil && m.CropWidth != nil && m.CropHeight != nil
}

// ArchiveMessage is the queue body of an archive task.
// Key is a folder prefix ending in "/".
type ArchiveMessage struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}
