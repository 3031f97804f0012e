package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a run, training or image does not exist
	ErrNotFound = errors.New("not found")

	// ErrRunInProgress is returned when a training already has a non-terminal run
	ErrRunInProgress = errors.New("training run already in progress")
)

// InvalidStatusError reports a status code outside the enumeration
type InvalidStatusError struct {
	Status string
}

func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %q", e.Status)
}

// TransientError wraps a failed storage, queue or database call.
// Webhook callers see it as 5xx; queue consumers leave the message for redelivery.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError unless it is nil or already a
// domain error the caller must see unchanged
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRunInProgress) {
		return err
	}
	var invalid *InvalidStatusError
	if errors.As(err, &invalid) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// DispatchError reports a follow-up task that could not be enqueued after its
// triggering transition already committed
type DispatchError struct {
	Task  TaskName
	RunID string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s for run %s: %v", e.Task, e.RunID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
