package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lora-orchestrator/core/models"
)

// TaskHandler runs one pipeline stage
type TaskHandler func(ctx context.Context, msg models.TaskMessage) error

// Router dispatches pipeline-stage messages by task name
type Router struct {
	handlers map[models.TaskName]TaskHandler
	recorder TaskRecorder
}

// NewRouter creates an empty router. recorder may be nil.
func NewRouter(recorder TaskRecorder) *Router {
	return &Router{
		handlers: make(map[models.TaskName]TaskHandler),
		recorder: recorder,
	}
}

// Register binds a handler to a task name
func (r *Router) Register(task models.TaskName, h TaskHandler) {
	r.handlers[task] = h
}

// Handle decodes a task message and runs its handler. Malformed messages and
// unknown tasks are errors, so they end up in the dead-letter queue.
func (r *Router) Handle(ctx context.Context, body []byte) error {
	var msg models.TaskMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		r.record("invalid", "error")
		return fmt.Errorf("decode task message: %w", err)
	}

	h, ok := r.handlers[msg.Task]
	if !ok {
		r.record("unknown", "error")
		return fmt.Errorf("unknown task %q", msg.Task)
	}
	if msg.TrainingID == "" {
		r.record(string(msg.Task), "error")
		return fmt.Errorf("task %s without trainingId", msg.Task)
	}

	err := h(ctx, msg)

	var retry *RetryAfter
	switch {
	case err == nil:
		r.record(string(msg.Task), "success")
	case errors.As(err, &retry):
		r.record(string(msg.Task), "retry")
	default:
		r.record(string(msg.Task), "error")
	}
	return err
}

func (r *Router) record(task, result string) {
	if r.recorder != nil {
		r.recorder.RecordTask(task, result)
	}
}
