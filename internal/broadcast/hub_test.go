package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"homesignal/internal/store"
)

func newTestHub(opts ...Option) *Hub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewHub(logger, opts...)
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c := &client{send: make(chan []byte, 16)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)

	if n := hub.Clients(); n != 1 {
		t.Errorf("after register: count = %d, want 1", n)
	}

	hub.unregister <- c
	time.Sleep(10 * time.Millisecond)

	if n := hub.Clients(); n != 0 {
		t.Errorf("after unregister: count = %d, want 0", n)
	}
}

func TestHubBroadcastEnvelope(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c := &client{send: make(chan []byte, 16)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastTrigger(store.TriggerEvent{ID: "t1", DeviceID: "remote_1", TriggerType: "single"})

	select {
	case data := <-c.send:
		var msg struct {
			Type string             `json:"type"`
			Data store.TriggerEvent `json:"data"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Type != TypeTrigger || msg.Data.DeviceID != "remote_1" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("client did not receive broadcast")
	}
}

func TestHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &client{send: make(chan []byte, 1)}
	fast := &client{send: make(chan []byte, 64)}

	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.BroadcastReading(store.SensorReading{Metric: "temperature", Value: 1})
	time.Sleep(10 * time.Millisecond)
	hub.BroadcastReading(store.SensorReading{Metric: "temperature", Value: 2})
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestHubBroadcastDropsWhenFull(t *testing.T) {
	var dropped atomic.Int64
	// Run is not started, so nothing drains the queue.
	hub := newTestHub(WithDropHook(func() { dropped.Add(1) }))
	defer hub.Stop()

	for i := 0; i < queueSize; i++ {
		hub.BroadcastPipelineTimeline(Timeline{EventID: "e"})
	}

	done := make(chan struct{})
	go func() {
		hub.BroadcastAutomationLog(store.AutomationLogEntry{Phase: store.PhaseTriggerMatched})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked when channel is full")
	}
	if dropped.Load() != 1 {
		t.Errorf("dropped = %d, want 1", dropped.Load())
	}
}

func TestHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	c := &client{send: make(chan []byte, 16)}
	hub.register <- c
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-c.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestHubServeHTTP(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	srv := httptest.NewServer(hub)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", hub.Clients())
	}

	hub.BroadcastReading(store.SensorReading{DeviceID: "sensor_kitchen", Metric: "humidity", Value: 41})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != TypeReading {
		t.Errorf("type = %q, want %q", msg.Type, TypeReading)
	}
}
