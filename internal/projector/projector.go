// Package projector turns SignalEvents into readings and deduplicated
// triggers, persists them, broadcasts them and feeds the automation engine.
package projector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"homesignal/internal/broadcast"
	"homesignal/internal/signal"
	"homesignal/internal/statecache"
	"homesignal/internal/store"
)

// TriggerTypeStateChange tags triggers produced by the dedup path.
const TriggerTypeStateChange = "state_change"

// Store persists a projection atomically.
type Store interface {
	SaveProjection(ctx context.Context, p store.Projection) error
}

// Broadcaster receives fire-and-forget real-time updates. Implementations
// must not block.
type Broadcaster interface {
	BroadcastTrigger(t store.TriggerEvent)
	BroadcastReading(r store.SensorReading)
	BroadcastPipelineTimeline(t broadcast.Timeline)
}

// Evaluator produces synthetic triggers from readings.
type Evaluator interface {
	Evaluate(ctx context.Context, readings []store.SensorReading) []store.TriggerEvent
}

// Sink is the automation engine's intake.
type Sink interface {
	SubmitTrigger(ctx context.Context, t store.TriggerEvent)
	SubmitReading(ctx context.Context, r store.SensorReading)
	DeviceStateChanged(ctx context.Context, deviceID, eventID string, state map[string]any)
}

// Result is what Project derived from one event.
type Result struct {
	Trigger      *store.TriggerEvent
	RuleTriggers []store.TriggerEvent
	Readings     []store.SensorReading
}

// Triggers returns the dedup trigger (if any) followed by rule triggers.
func (r Result) Triggers() []store.TriggerEvent {
	var out []store.TriggerEvent
	if r.Trigger != nil {
		out = append(out, *r.Trigger)
	}
	return append(out, r.RuleTriggers...)
}

// Projector orchestrates the per-event projection steps.
type Projector struct {
	state     statecache.StateStore
	store     Store
	evaluator Evaluator
	bcast     Broadcaster
	sink      Sink
	logger    *slog.Logger
	newID     func() string
}

// Option configures a Projector.
type Option func(*Projector)

// WithEvaluator enables threshold rule evaluation.
func WithEvaluator(e Evaluator) Option {
	return func(p *Projector) { p.evaluator = e }
}

// WithBroadcaster enables real-time broadcasting.
func WithBroadcaster(b Broadcaster) Option {
	return func(p *Projector) { p.bcast = b }
}

// WithSink forwards triggers and readings to the automation engine.
func WithSink(s Sink) Option {
	return func(p *Projector) { p.sink = s }
}

// New creates a projector. state and st are required.
func New(state statecache.StateStore, st Store, logger *slog.Logger, opts ...Option) *Projector {
	p := &Projector{
		state:  state,
		store:  st,
		logger: logger.With("component", "projector"),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project runs the projection for ev. prior stages (e.g. mapping) are
// prepended to the broadcast timeline. A persistence error is returned and
// nothing is broadcast or forwarded for that event.
func (p *Projector) Project(ctx context.Context, ev signal.SignalEvent, prior ...broadcast.Stage) (Result, error) {
	tl := timeline{stages: append([]broadcast.Stage(nil), prior...)}
	var res Result

	done := tl.start("extract")
	res.Readings = extractReadings(ev.DeviceID, ev.ID, ev.Timestamp, ev.Fields())
	done(nil)

	done = tl.start("dedup")
	res.Trigger = p.decideTrigger(ctx, ev)
	done(nil)

	if p.evaluator != nil && len(res.Readings) > 0 {
		done = tl.start("threshold")
		res.RuleTriggers = p.evaluator.Evaluate(ctx, res.Readings)
		done(nil)
	}

	done = tl.start("persist")
	err := p.store.SaveProjection(ctx, store.Projection{
		Event:    ev,
		Triggers: res.Triggers(),
		Readings: res.Readings,
	})
	done(err)
	if err != nil {
		p.logger.Error("save projection", "event_id", ev.ID, "device", ev.DeviceID, "err", err)
		p.publishTimeline(ev, tl)
		return res, fmt.Errorf("save projection: %w", err)
	}

	if p.bcast != nil {
		done = tl.start("broadcast")
		for _, t := range res.Triggers() {
			p.bcast.BroadcastTrigger(t)
		}
		for _, r := range res.Readings {
			p.bcast.BroadcastReading(r)
		}
		done(nil)
	}

	if p.sink != nil {
		done = tl.start("automation")
		p.feed(ctx, ev, res)
		done(nil)
	}

	p.publishTimeline(ev, tl)
	return res, nil
}

// feed hands every fact of ev to the sink under ev's id, so the sink can
// evaluate each rule once per event.
func (p *Projector) feed(ctx context.Context, ev signal.SignalEvent, res Result) {
	for _, t := range res.Triggers() {
		p.sink.SubmitTrigger(ctx, t)
	}
	for _, r := range res.Readings {
		p.sink.SubmitReading(ctx, r)
	}
	if t := res.Trigger; t != nil && (t.Capability == signal.CapabilityButton || t.Capability == signal.CapabilitySwitch) {
		p.sink.DeviceStateChanged(ctx, ev.DeviceID, ev.ID, ev.Fields())
	}
}

func (p *Projector) publishTimeline(ev signal.SignalEvent, tl timeline) {
	if p.bcast == nil {
		return
	}
	p.bcast.BroadcastPipelineTimeline(broadcast.Timeline{
		EventID:  ev.ID,
		DeviceID: ev.DeviceID,
		Topic:    ev.Topic,
		Stages:   tl.stages,
	})
}

// decideTrigger applies the capability specific trigger rules.
func (p *Projector) decideTrigger(ctx context.Context, ev signal.SignalEvent) *store.TriggerEvent {
	fields := ev.Fields()
	switch ev.Capability {
	case signal.CapabilityButton:
		if ev.EventType == "" {
			return nil
		}
		return p.newTrigger(ev, ev.EventType, ev.EventSubType, nil)

	case signal.CapabilityOccupancy, signal.CapabilityMotion:
		b, ok := fields[ev.Capability].(bool)
		if !ok {
			return nil
		}
		sub := "clear"
		if b {
			sub = "detected"
		}
		return p.dedup(ctx, ev, statecache.Bool(b), sub, &b)

	case signal.CapabilityContact:
		b, ok := fields["contact"].(bool)
		if !ok {
			return nil
		}
		sub := "open"
		if b {
			sub = "closed"
		}
		return p.dedup(ctx, ev, statecache.Bool(b), sub, &b)

	case signal.CapabilitySwitch:
		s, ok := fields["state"].(string)
		if !ok {
			return nil
		}
		s = strings.ToUpper(s)
		on := s == "ON"
		return p.dedup(ctx, ev, statecache.String(s), strings.ToLower(s), &on)
	}
	return nil
}

func (p *Projector) dedup(ctx context.Context, ev signal.SignalEvent, v statecache.Value, sub string, value *bool) *store.TriggerEvent {
	key := statecache.Key(ev.DeviceID, ev.Capability)
	prev, found, err := p.state.Swap(ctx, key, v)
	if err != nil {
		// A duplicate trigger is preferable to a lost one.
		p.logger.Warn("state cache swap", "key", key, "err", err)
	} else if found && prev == v {
		return nil
	}
	return p.newTrigger(ev, TriggerTypeStateChange, sub, value)
}

func (p *Projector) newTrigger(ev signal.SignalEvent, triggerType, sub string, value *bool) *store.TriggerEvent {
	return &store.TriggerEvent{
		ID:          p.newID(),
		DeviceID:    ev.DeviceID,
		Capability:  ev.Capability,
		TriggerType: triggerType,
		SubType:     sub,
		Value:       value,
		Timestamp:   ev.Timestamp,
		EventID:     ev.ID,
	}
}

type timeline struct {
	stages []broadcast.Stage
}

// start begins a stage and returns the function that ends it.
func (tl *timeline) start(name string) func(err error) {
	began := time.Now()
	return func(err error) {
		st := broadcast.Stage{Name: name, Started: began, Duration: time.Since(began)}
		if err != nil {
			st.Error = err.Error()
		}
		tl.stages = append(tl.stages, st)
	}
}
