// Package pipeline moves bus messages from the MQTT callback to the
// projector on a fixed set of workers. Messages for one topic always land on
// the same worker, so each device's events are projected in arrival order.
package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"homesignal/internal/broadcast"
	"homesignal/internal/metrics"
	"homesignal/internal/projector"
	"homesignal/internal/signal"
)

// Projector is the per-event processing step.
type Projector interface {
	Project(ctx context.Context, ev signal.SignalEvent, prior ...broadcast.Stage) (projector.Result, error)
}

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
}

type message struct {
	topic    string
	payload  []byte
	received time.Time
}

// Pipeline is a sharded worker pool.
type Pipeline struct {
	mapper  *signal.Mapper
	proj    Projector
	metrics *metrics.Metrics
	logger  *slog.Logger

	queues []chan message
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics records message and projection metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func New(mapper *signal.Mapper, proj Projector, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	p := &Pipeline{
		mapper: mapper,
		proj:   proj,
		logger: logger.With("component", "pipeline"),
		queues: make([]chan message, cfg.Workers),
	}
	for i := range p.queues {
		p.queues[i] = make(chan message, cfg.QueueSize)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. Messages are projected with a context that
// outlives ctx's cancellation so queued work drains on Stop.
func (p *Pipeline) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
	p.logger.Info("pipeline started", "workers", len(p.queues))
}

// Stop rejects new messages and waits for queued ones to be processed.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("pipeline stopped")
}

// Submit enqueues a message without blocking. It reports false when the
// message was ignored or dropped.
func (p *Pipeline) Submit(topic string, payload []byte) bool {
	if Ignored(topic) {
		p.metrics.Message(metrics.ResultIgnored)
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	q := p.queues[shard(topic, len(p.queues))]
	select {
	case q <- message{topic: topic, payload: payload, received: time.Now()}:
		p.metrics.Message(metrics.ResultAccepted)
		return true
	default:
		p.metrics.Message(metrics.ResultDropped)
		p.logger.Warn("queue full, dropping message", "topic", topic)
		return false
	}
}

var ignoredSuffixes = []string{"/bridge/state", "/set", "/get", "/availability"}

// Ignored reports whether topic carries bridge status or command echoes
// rather than device telemetry.
func Ignored(topic string) bool {
	for _, s := range ignoredSuffixes {
		if strings.HasSuffix(topic, s) {
			return true
		}
	}
	return false
}

func shard(topic string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(topic))
	return int(h.Sum32() % uint32(n))
}

func (p *Pipeline) worker(ctx context.Context, id int, q <-chan message) {
	defer p.wg.Done()
	for msg := range q {
		p.process(ctx, msg)
	}
	p.logger.Debug("worker exited", "worker", id)
}

func (p *Pipeline) process(ctx context.Context, msg message) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("message processing panic", "topic", msg.topic, "panic", r)
		}
	}()

	start := time.Now()
	var (
		ev  signal.SignalEvent
		err error
	)
	if signal.IsArrayPayload(msg.payload) {
		ev, err = p.mapper.MapArrayPayload(msg.topic, msg.payload)
	} else {
		ev, err = p.mapper.Map(msg.topic, msg.payload)
	}
	mapped := broadcast.Stage{Name: "map", Started: start, Duration: time.Since(start)}
	if err != nil {
		var pe *signal.ParseError
		if errors.As(err, &pe) {
			p.metrics.ParseFailure()
		}
		p.logger.Warn("dropping message", "topic", msg.topic, "err", err)
		return
	}
	queued := broadcast.Stage{Name: "queue", Started: msg.received, Duration: start.Sub(msg.received)}

	res, err := p.proj.Project(ctx, ev, queued, mapped)
	p.metrics.ObserveProjection(time.Since(start))
	if err != nil {
		p.metrics.PersistError()
		return
	}
	for _, t := range res.Triggers() {
		p.metrics.Trigger(t.TriggerType)
	}
	p.metrics.Readings(len(res.Readings))
}
