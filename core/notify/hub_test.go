package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func recvEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func body(seq int) json.RawMessage {
	raw, _ := json.Marshal(map[string]int{"seq": seq})
	return raw
}

func TestPublishDeliversOnlyToSubscribedUser(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)

	alice1 := hub.Subscribe("alice")
	alice2 := hub.Subscribe("alice")
	bob := hub.Subscribe("bob")

	hub.Publish("alice", Event{TrainingID: "t1", TrainingRunID: "r1", Body: body(1)})

	for _, sub := range []*Subscriber{alice1, alice2} {
		ev := recvEvent(t, sub.Outbound, time.Second)
		if ev.TrainingRunID != "r1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}

	select {
	case ev := <-bob.Outbound:
		t.Fatalf("bob received alice's event: %+v", ev)
	default:
	}
}

func TestUserIDIsMatchedExactly(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)
	padded := hub.Subscribe(" u1")

	hub.Publish(" u1", Event{TrainingRunID: "r1", Body: body(1)})
	if ev := recvEvent(t, padded.Outbound, time.Second); ev.TrainingRunID != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if n := hub.Subscribers(" u1"); n != 1 {
		t.Fatalf("expected 1 subscriber, got %d", n)
	}

	hub.Publish("u1", Event{TrainingRunID: "r2", Body: body(2)})
	select {
	case ev := <-padded.Outbound:
		t.Fatalf("event for another user delivered: %+v", ev)
	default:
	}
}

func TestPerUserOrdering(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 16)
	sub := hub.Subscribe("alice")

	for i := 1; i <= 10; i++ {
		hub.Publish("alice", Event{TrainingRunID: "r1", Body: body(i)})
	}

	for i := 1; i <= 10; i++ {
		ev := recvEvent(t, sub.Outbound, time.Second)
		var got map[string]int
		if err := json.Unmarshal(ev.Body, &got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if got["seq"] != i {
			t.Fatalf("event %d out of order: got seq %d", i, got["seq"])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)
	sub := hub.Subscribe("alice")

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	hub.Publish("alice", Event{TrainingRunID: "r1"})

	if _, ok := <-sub.Outbound; ok {
		t.Fatal("expected outbound to be closed after unsubscribe")
	}
	if n := hub.Subscribers("alice"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)
	hub.Publish("nobody", Event{TrainingRunID: "r1"})

	sub := hub.Subscribe("nobody")
	select {
	case ev := <-sub.Outbound:
		t.Fatalf("late subscriber received a replayed event: %+v", ev)
	default:
	}
}

func TestFullBufferDropsAndCounts(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 1)
	sub := hub.Subscribe("alice")

	hub.Publish("alice", Event{TrainingRunID: "r1"})
	hub.Publish("alice", Event{TrainingRunID: "r2"})

	if got := hub.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped event, got %d", got)
	}
	if ev := recvEvent(t, sub.Outbound, time.Second); ev.TrainingRunID != "r1" {
		t.Fatalf("expected first event to be kept, got %s", ev.TrainingRunID)
	}
}

func TestConcurrentSubscribePublish(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 64)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := hub.Subscribe("alice")
			hub.Unsubscribe(sub)
		}()
		go func() {
			defer wg.Done()
			hub.Publish("alice", Event{TrainingRunID: "r1"})
		}()
	}
	wg.Wait()

	if n := hub.Subscribers("alice"); n != 0 {
		t.Fatalf("expected all subscribers removed, got %d", n)
	}
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)
	sub := hub.Subscribe("alice")

	hub.Close()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not closed")
	}

	late := hub.Subscribe("alice")
	if _, ok := <-late.Outbound; ok {
		t.Fatal("subscription after close should be closed")
	}
}

func TestServeSSEWritesUserEvent(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, "alice")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers("alice") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Publish("alice", Event{TrainingID: "t1", TrainingRunID: "r1", Body: json.RawMessage(`{"status":"training_starting"}`)})

	reader := bufio.NewReader(resp.Body)
	eventLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read event line: %v", err)
	}
	dataLine, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read data line: %v", err)
	}

	if strings.TrimSpace(eventLine) != "event: alice" {
		t.Fatalf("unexpected event line %q", eventLine)
	}

	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(dataLine), "data: ")), &ev); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if ev.TrainingID != "t1" || ev.TrainingRunID != "r1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
