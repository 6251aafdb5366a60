// Package broadcast fans pipeline output out to real-time WebSocket
// subscribers. Every Broadcast call is fire-and-forget: a full queue drops
// the message and a slow client is evicted.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"homesignal/internal/store"
)

// Message types sent to clients.
const (
	TypeTrigger          = "trigger"
	TypeReading          = "reading"
	TypeAutomationLog    = "automation_log"
	TypePipelineTimeline = "pipeline_timeline"
)

// Message is the envelope written to every client.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Stage is one step of the processing timeline of a single bus message.
type Stage struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// Timeline groups the stages of one message.
type Timeline struct {
	EventID  string  `json:"event_id"`
	DeviceID string  `json:"device_id"`
	Topic    string  `json:"topic"`
	Stages   []Stage `json:"stages"`
}

const queueSize = 256

// Hub manages WebSocket connections and broadcasts events.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan Message

	allowedOrigins []string
	onDrop         func()

	done     chan struct{}
	stopOnce sync.Once
}

type client struct {
	conn wsConn
	send chan []byte
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// WithDropHook is called every time a message is dropped because the
// queue is full.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*client]struct{}),
		logger:     logger.With("component", "broadcast"),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Message, queueSize),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub event loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "type", msg.Type, "err", err)
				continue
			}
			h.fanOut(data)
		}
	}
}

func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
		close(c.send)
		h.logger.Warn("ws client evicted (too slow)")
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for all clients without blocking.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		if h.onDrop != nil {
			h.onDrop()
		}
		h.logger.Warn("ws broadcast channel full, dropping message", "type", msg.Type)
	}
}

func (h *Hub) BroadcastTrigger(t store.TriggerEvent) {
	h.Broadcast(Message{Type: TypeTrigger, Data: t})
}

func (h *Hub) BroadcastReading(r store.SensorReading) {
	h.Broadcast(Message{Type: TypeReading, Data: r})
}

func (h *Hub) BroadcastAutomationLog(e store.AutomationLogEntry) {
	h.Broadcast(Message{Type: TypeAutomationLog, Data: e})
}

func (h *Hub) BroadcastPipelineTimeline(t Timeline) {
	h.Broadcast(Message{Type: TypePipelineTimeline, Data: t})
}
