package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"lora-orchestrator/core/models"

	"go.uber.org/zap/zaptest"
)

type fakeSender struct {
	bodies [][]byte
	err    error
}

func (f *fakeSender) Send(ctx context.Context, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	return nil
}

type fakeRecorder struct {
	failures map[string]int
}

func (f *fakeRecorder) RecordDispatchFailure(task string) {
	if f.failures == nil {
		f.failures = map[string]int{}
	}
	f.failures[task]++
}

func TestDispatchEnqueuesOneTaskMessage(t *testing.T) {
	tasks := &fakeSender{}
	d := New(tasks, nil, nil, nil, zaptest.NewLogger(t))

	if err := d.Dispatch(context.Background(), models.TaskFetchImages, "run-1", "training-1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(tasks.bodies) != 1 {
		t.Fatalf("expected one message, got %d", len(tasks.bodies))
	}

	var msg map[string]string
	if err := json.Unmarshal(tasks.bodies[0], &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]string{"task": "fetchImages", "trainingId": "training-1", "runId": "run-1"}
	for k, v := range want {
		if msg[k] != v {
			t.Fatalf("field %s: want %q got %q", k, v, msg[k])
		}
	}
}

func TestDispatchFailureIsCountedAndReturned(t *testing.T) {
	tasks := &fakeSender{err: errors.New("throttled")}
	recorder := &fakeRecorder{}
	d := New(tasks, nil, nil, recorder, zaptest.NewLogger(t))

	err := d.Dispatch(context.Background(), models.TaskFetchModel, "run-1", "training-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if recorder.failures["fetchModel"] != 1 {
		t.Fatalf("expected failure to be counted, got %v", recorder.failures)
	}
}

func TestMediaQueues(t *testing.T) {
	resize := &fakeSender{}
	recorder := &fakeRecorder{}
	d := New(&fakeSender{}, resize, nil, recorder, zaptest.NewLogger(t))
	ctx := context.Background()

	err := d.EnqueueResize(ctx, models.ResizeMessage{ImageID: "img-1", TrainingID: "training-1", ImageURL: "u/t/images/a.jpg", WebhookURL: "http://x/runs/r/webhook"})
	if err != nil {
		t.Fatalf("enqueue resize: %v", err)
	}
	var msg models.ResizeMessage
	if err := json.Unmarshal(resize.bodies[0], &msg); err != nil || msg.ImageID != "img-1" {
		t.Fatalf("unexpected resize message %s (%v)", resize.bodies[0], err)
	}

	err = d.EnqueueArchive(ctx, models.ArchiveMessage{Bucket: "b", Key: "u/t/images/"})
	if !errors.Is(err, ErrQueueNotConfigured) {
		t.Fatalf("expected ErrQueueNotConfigured, got %v", err)
	}
	if recorder.failures["archive"] != 1 {
		t.Fatalf("expected archive failure to be counted, got %v", recorder.failures)
	}
}
