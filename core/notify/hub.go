// Package notify fans training-run events out to the live connections of their owners.
package notify

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBuffer is the outbound buffer of each subscriber
const DefaultBuffer = 32

// Event is one state-change notification for a training run
type Event struct {
	TrainingID    string          `json:"trainingId"`
	TrainingRunID string          `json:"trainingRunId"`
	Body          json.RawMessage `json:"body"`
}

// Subscriber is one live connection listening on a user's channel
type Subscriber struct {
	ID       uuid.UUID
	UserID   string
	Outbound chan Event
	done     chan struct{}
}

// Done is closed when the subscriber is removed from the hub
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Hub is the registry of live subscribers, one channel per user id.
// It is created at process start and closed at shutdown.
type Hub struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	buffer  int
	users   map[string]map[*Subscriber]struct{}
	dropped atomic.Uint64
	closed  bool
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		logger: logger.With(zap.String("component", "notify_hub")),
		buffer: buffer,
		users:  make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new connection on userID's channel
func (h *Hub) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		UserID:   userID,
		Outbound: make(chan Event, h.buffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.done)
		close(sub.Outbound)
		return sub
	}

	subs, ok := h.users[sub.UserID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.users[sub.UserID] = subs
	}
	subs[sub] = struct{}{}

	h.logger.Debug("subscriber added", zap.String("user_id", sub.UserID), zap.Stringer("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a connection. Calling it more than once is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.users[sub.UserID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	h.remove(sub)
}

// remove must be called with h.mu held
func (h *Hub) remove(sub *Subscriber) {
	subs := h.users[sub.UserID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.users, sub.UserID)
	}
	close(sub.done)
	close(sub.Outbound)

	h.logger.Debug("subscriber removed", zap.String("user_id", sub.UserID), zap.Stringer("subscriber_id", sub.ID))
}

// Publish delivers ev to every connection subscribed to userID. Events for a
// user with no subscribers are dropped; a subscriber with a full buffer
// misses the event.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.users[userID] {
		select {
		case sub.Outbound <- ev:
		default:
			h.dropped.Add(1)
			h.logger.Warn("dropping notification, outbound buffer full",
				zap.String("user_id", userID),
				zap.Stringer("subscriber_id", sub.ID),
				zap.String("training_run_id", ev.TrainingRunID),
			)
		}
	}
}

// Subscribers returns the number of live connections of userID
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Dropped returns how many deliveries were skipped because of full buffers
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, subs := range h.users {
		for sub := range subs {
			h.remove(sub)
		}
	}
	h.closed = true
}
