package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"lora-orchestrator/core/models"
)

// MemoryStore is an in-process Store. Runs must be registered before events
// can be appended to them.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	runs   map[string]struct{}
	events map[string][]models.StatusEvent
	now    func() time.Time
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]struct{}),
		events: make(map[string][]models.StatusEvent),
		now:    time.Now,
	}
}

// AddRun registers a run so events can reference it
func (s *MemoryStore) AddRun(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runID] = struct{}{}
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, status models.Status, payload json.RawMessage) (*models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, models.ErrNotFound
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	s.nextID++
	event := models.StatusEvent{
		ID:        s.nextID,
		RunID:     runID,
		Status:    status,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: s.now(),
	}
	s.events[runID] = append(s.events[runID], event)

	return &event, nil
}

func (s *MemoryStore) LatestEvent(ctx context.Context, runID string) (*models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[runID]
	if len(events) == 0 {
		return nil, nil
	}
	event := events[len(events)-1]
	return &event, nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, runID string, limit int) ([]models.StatusEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events[runID]
	out := make([]models.StatusEvent, 0, len(events))
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, events[i])
	}
	return out, nil
}

func (s *MemoryStore) HasEvent(ctx context.Context, runID string, status models.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events[runID] {
		if e.Status == status {
			return true, nil
		}
	}
	return false, nil
}
