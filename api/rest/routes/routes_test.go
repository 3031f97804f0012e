package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"lora-orchestrator/api/rest/handlers"
	"lora-orchestrator/core/ledger"
	"lora-orchestrator/core/lifecycle"
	"lora-orchestrator/core/models"
	"lora-orchestrator/core/monitoring"
	"lora-orchestrator/core/notify"

	"github.com/gorilla/mux"
	"go.uber.org/zap/zaptest"
)

// memRuns is an in-memory run store backing a real state machine
type memRuns struct {
	mu        sync.Mutex
	trainings map[string]*models.Training
	runs      map[string]*models.TrainingRun
	store     *ledger.MemoryStore
	fail      error
}

func (m *memRuns) GetTraining(ctx context.Context, id string) (*models.Training, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trainings[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memRuns) CreateRun(ctx context.Context, trainingID string, state models.RunState) (*models.TrainingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.TrainingID == trainingID && !r.Status.Terminal() {
			return nil, models.ErrRunInProgress
		}
	}
	run := &models.TrainingRun{ID: "run-new", TrainingID: trainingID, Status: state, CreatedAt: time.Now()}
	m.runs[run.ID] = run
	m.store.AddRun(run.ID)
	cp := *run
	return &cp, nil
}

func (m *memRuns) GetRunContext(ctx context.Context, runID string) (*models.RunContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	r, ok := m.runs[runID]
	if !ok {
		return nil, models.ErrNotFound
	}
	run := *r
	t := *m.trainings[r.TrainingID]
	return &models.RunContext{Run: &run, Training: &t}, nil
}

func (m *memRuns) RecordStatus(ctx context.Context, runID string, status models.Status, payload json.RawMessage, move *models.RunMove) (*models.StatusEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, false, models.ErrNotFound
	}

	apply := move != nil
	if apply && move.Once {
		seen, _ := m.store.HasEvent(ctx, runID, status)
		apply = !seen
	}

	event, err := m.store.AppendEvent(ctx, runID, status, payload)
	if err != nil || !apply || r.Status.Terminal() {
		return event, false, err
	}

	if move.To == models.RunStateFailed {
		r.Status = models.RunStateFailed
		r.FailureReason = move.Reason
		return event, true, nil
	}
	for _, s := range move.From {
		if r.Status == s {
			r.Status = move.To
			return event, true, nil
		}
	}
	return event, false, nil
}

func (m *memRuns) state(runID string) models.RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID].Status
}

type noImages struct{}

func (noImages) MarkResized(ctx context.Context, imageID string) error { return nil }

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []models.TaskName
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, task models.TaskName, runID, trainingID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

type okPinger struct{}

func (okPinger) PingContext(ctx context.Context) error { return nil }

type server struct {
	srv        *httptest.Server
	runs       *memRuns
	ledger     *ledger.Ledger
	hub        *notify.Hub
	dispatcher *recordingDispatcher
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := ledger.NewMemoryStore()
	runs := &memRuns{
		trainings: map[string]*models.Training{"t-1": {ID: "t-1", OwnerID: "u-1"}},
		runs:      map[string]*models.TrainingRun{"r-1": {ID: "r-1", TrainingID: "t-1", Status: models.RunStatePendingModel}},
		store:     store,
	}
	store.AddRun("r-1")

	led := ledger.New(store)
	hub := notify.NewHub(logger, 16)
	metrics := monitoring.NewMetrics(hub)
	d := &recordingDispatcher{}
	machine := lifecycle.NewMachine(runs, led, noImages{}, d, hub, metrics, logger)

	r := mux.NewRouter()
	SetupRoutes(r, Handlers{
		Runs:   handlers.NewRunHandler(machine, runs, led, logger),
		Events: handlers.NewEventsHandler(hub),
		Health: handlers.NewHealthHandler(okPinger{}, metrics),
	}, logger)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &server{srv: srv, runs: runs, ledger: led, hub: hub, dispatcher: d}
}

func (s *server) post(t *testing.T, path, body string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(s.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (s *server) get(t *testing.T, path string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(s.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestWebhookResponses(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantBody   map[string]interface{}
	}{
		{"accepted", "/runs/r-1/webhook", `{"status":"training_starting"}`, 200, map[string]interface{}{"message": "Status updated"}},
		{"unknown code", "/runs/r-1/webhook", `{"status":"launching_rockets"}`, 400, map[string]interface{}{"error": "Invalid status"}},
		{"missing status", "/runs/r-1/webhook", `{}`, 400, map[string]interface{}{"error": "Invalid status"}},
		{"malformed", "/runs/r-1/webhook", `{"status":`, 400, map[string]interface{}{"error": "Invalid request body"}},
		{"unknown run", "/runs/nope/webhook", `{"status":"training_progress"}`, 404, map[string]interface{}{"error": "Training run not found"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, body := s.post(t, tc.path, tc.body)
			if code != tc.wantStatus {
				t.Fatalf("expected %d, got %d (%v)", tc.wantStatus, code, body)
			}
			for k, v := range tc.wantBody {
				if body[k] != v {
					t.Fatalf("expected %s=%v, got %v", k, v, body)
				}
			}
		})
	}

	events, _ := s.ledger.History(context.Background(), "r-1", 0)
	if len(events) != 1 || events[0].Status != models.StatusTrainingStarting {
		t.Fatalf("only the accepted event should be recorded, got %+v", events)
	}
	if s.runs.state("r-1") != models.RunStateTraining {
		t.Fatalf("expected training, got %s", s.runs.state("r-1"))
	}
}

func TestWebhookRejectsPipelineMilestones(t *testing.T) {
	s := newServer(t)

	for _, status := range []models.Status{
		models.StatusRunCreated,
		models.StatusGPUAllocated,
		models.StatusImagesReady,
		models.StatusModelReady,
	} {
		t.Run(string(status), func(t *testing.T) {
			code, body := s.post(t, "/runs/r-1/webhook", `{"status":"`+string(status)+`"}`)
			if code != http.StatusBadRequest || body["error"] != "Invalid status" {
				t.Fatalf("expected 400 Invalid status, got %d %v", code, body)
			}
		})
	}

	events, _ := s.ledger.History(context.Background(), "r-1", 0)
	if len(events) != 0 {
		t.Fatalf("rejected codes must not be recorded, got %+v", events)
	}
	if len(s.dispatcher.tasks) != 0 {
		t.Fatalf("rejected codes must not enqueue work, got %v", s.dispatcher.tasks)
	}
	if s.runs.state("r-1") != models.RunStatePendingModel {
		t.Fatalf("expected pending_model, got %s", s.runs.state("r-1"))
	}
}

func TestWebhookAcceptsResizeReports(t *testing.T) {
	s := newServer(t)

	code, body := s.post(t, "/runs/r-1/webhook", `{"status":"image_maxres_resized","imageId":"img-1"}`)
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", code, body)
	}
}

func TestWebhookTransientErrorIs5xx(t *testing.T) {
	s := newServer(t)
	s.runs.fail = errors.New("connection refused")

	code, _ := s.post(t, "/runs/r-1/webhook", `{"status":"training_progress"}`)
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
}

func TestWebhookFailureThenProgress(t *testing.T) {
	s := newServer(t)

	if code, _ := s.post(t, "/runs/r-1/webhook", `{"status":"training_failed","error":"OOM"}`); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
	if code, _ := s.post(t, "/runs/r-1/webhook", `{"status":"training_progress","step":3}`); code != 200 {
		t.Fatalf("progress after failure should be accepted, got %d", code)
	}

	code, run := s.get(t, "/runs/r-1")
	if code != 200 || run["status"] != "failed" || run["failure_reason"] != "OOM" {
		t.Fatalf("unexpected run %d %v", code, run)
	}
	latest := run["latest_event"].(map[string]interface{})
	if latest["status"] != "training_progress" {
		t.Fatalf("unexpected latest event %v", latest)
	}

	code, events := s.get(t, "/runs/r-1/events?limit=1")
	if code != 200 || len(events["items"].([]interface{})) != 1 {
		t.Fatalf("unexpected events %d %v", code, events)
	}
	if code, _ := s.get(t, "/runs/r-1/events?limit=x"); code != 400 {
		t.Fatalf("expected 400 for bad limit, got %d", code)
	}
}

func TestStartRun(t *testing.T) {
	s := newServer(t)
	s.runs.runs["r-1"].Status = models.RunStateCompleted

	code, body := s.post(t, "/trainings/t-1/runs", ``)
	if code != http.StatusCreated || body["status"] != "pending_gpu" {
		t.Fatalf("unexpected start response %d %v", code, body)
	}
	if len(s.dispatcher.tasks) != 1 || s.dispatcher.tasks[0] != models.TaskAllocateGPU {
		t.Fatalf("expected allocateGpu, got %v", s.dispatcher.tasks)
	}

	if code, _ := s.post(t, "/trainings/t-1/runs", ``); code != http.StatusConflict {
		t.Fatalf("expected 409 for a second run, got %d", code)
	}
	if code, _ := s.post(t, "/trainings/missing/runs", ``); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestEventStream(t *testing.T) {
	s := newServer(t)

	req, _ := http.NewRequest(http.MethodGet, s.srv.URL+"/events/u-1", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.hub.Subscribers("u-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if code, _ := s.post(t, "/runs/r-1/webhook", `{"status":"training_progress","step":7}`); code != 200 {
		t.Fatalf("webhook failed: %d", code)
	}

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}

	if lines[0] != "event: u-1" {
		t.Fatalf("unexpected event line %q", lines[0])
	}
	var ev struct {
		TrainingID    string                 `json:"trainingId"`
		TrainingRunID string                 `json:"trainingRunId"`
		Body          map[string]interface{} `json:"body"`
	}
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ev.TrainingID != "t-1" || ev.TrainingRunID != "r-1" || ev.Body["status"] != "training_progress" || ev.Body["step"].(float64) != 7 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t)
	s.post(t, "/runs/r-1/webhook", `{"status":"training_progress"}`)

	code, body := s.get(t, "/health")
	if code != 200 || body["status"] != "ok" {
		t.Fatalf("unexpected health %d %v", code, body)
	}

	resp, err := http.Get(s.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(strings.Builder)
	_, _ = bufio.NewReader(resp.Body).WriteTo(buf)
	if !strings.Contains(buf.String(), `status_events_total{status="training_progress"} 1`) {
		t.Fatalf("unexpected metrics:\n%s", buf.String())
	}
}
