// Package automation evaluates AutomationRules against incoming facts and
// executes their actions.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"homesignal/internal/store"
)

// RuleStore is the persistence the engine needs.
type RuleStore interface {
	ListAutomationRules(ctx context.Context) ([]*store.AutomationRule, error)
	GetAutomationRule(ctx context.Context, id string) (*store.AutomationRule, error)
	BeginAutomationRun(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteAutomationRun(ctx context.Context, id string, at time.Time) error
	AppendAutomationLog(ctx context.Context, e *store.AutomationLogEntry) error
}

// LogSink receives every execution log entry. It must not block.
type LogSink interface {
	BroadcastAutomationLog(e store.AutomationLogEntry)
}

// Commander sends a desired state to a device.
type Commander interface {
	SetState(ctx context.Context, deviceID string, props map[string]any) error
}

// Recorder observes execution phases, e.g. for metrics.
type Recorder interface {
	AutomationPhase(phase string)
}

// SceneState is one device's target state within a scene.
type SceneState struct {
	DeviceID   string         `yaml:"device_id"`
	Properties map[string]any `yaml:"properties"`
}

// Config holds engine tuning. Zero values take defaults.
type Config struct {
	AllTriggerWindow  time.Duration
	RuleRefresh       time.Duration
	ActionTimeout     time.Duration
	ExpressionTimeout time.Duration
	CommandRetries    int
	RetryInterval     time.Duration

	Location  *time.Location
	Latitude  float64
	Longitude float64

	Scenes  map[string][]SceneState
	Webhook WebhookConfig
}

func (c Config) withDefaults() Config {
	if c.AllTriggerWindow <= 0 {
		c.AllTriggerWindow = 30 * time.Second
	}
	if c.RuleRefresh <= 0 {
		c.RuleRefresh = 30 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 10 * time.Second
	}
	if c.ExpressionTimeout <= 0 {
		c.ExpressionTimeout = time.Second
	}
	if c.CommandRetries < 0 {
		c.CommandRetries = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

func (c Config) hasLocation() bool {
	return c.Latitude != 0 || c.Longitude != 0
}

// Engine evaluates rules synchronously per fact and runs matched rules'
// actions on their own goroutines.
type Engine struct {
	cfg       Config
	store     RuleStore
	commander Commander
	notifier  Notifier
	sink      LogSink
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	state   *deviceState
	window  *matchWindow
	expr    *exprEvaluator
	webhook *webhookClient
	sched   *scheduler

	mu      sync.RWMutex
	rules   []*store.AutomationRule
	byID    map[string]*store.AutomationRule
	lastRun map[string]time.Time
	// rule id -> device id -> last event id that reached the rule.
	lastEvent map[string]map[string]string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loopDone chan struct{}
	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithCommander sets the device command transport.
func WithCommander(c Commander) Option {
	return func(e *Engine) { e.commander = c }
}

// WithNotifier sets the notification channel.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogSink broadcasts execution log entries.
func WithLogSink(s LogSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithRecorder observes execution phases.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine. Call Start to load rules and arm schedules.
func NewEngine(st RuleStore, cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "automation")
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		store:   st,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
		state:   newDeviceState(),
		window:  newMatchWindow(),
		expr:    newExprEvaluator(cfg.ExpressionTimeout),
		webhook: newWebhookClient(cfg.Webhook, logger),
		byID:    make(map[string]*store.AutomationRule),
		lastRun: make(map[string]time.Time),
		ctx:     ctx,
		cancel:  cancel,

		lastEvent: make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sched = newScheduler(cfg, e.fireScheduled, logger)
	return e
}

// Start loads the rules, arms time and sun triggers and begins the periodic
// rule refresh.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return err
	}
	e.sched.start()
	e.loopDone = make(chan struct{})
	go e.refreshLoop()
	e.logger.Info("automation engine started", "rules", len(e.snapshot()))
	return nil
}

// Stop cancels in-flight executions (pending delays are abandoned), stops
// the scheduler and waits for executions to return.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.cancel()
		e.sched.stop()
		if e.loopDone != nil {
			<-e.loopDone
		}
		e.wg.Wait()
		e.logger.Info("automation engine stopped")
	})
}

// Wait blocks until all executions started so far have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Reload replaces the cached rules with the store's current set.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.store.ListAutomationRules(ctx)
	if err != nil {
		return fmt.Errorf("list automation rules: %w", err)
	}
	ids := make(map[string]bool, len(rules))
	byID := make(map[string]*store.AutomationRule, len(rules))

	e.mu.Lock()
	for _, r := range rules {
		ids[r.ID] = true
		byID[r.ID] = r
		if r.LastTriggeredAt != nil && r.LastTriggeredAt.After(e.lastRun[r.ID]) {
			e.lastRun[r.ID] = *r.LastTriggeredAt
		}
	}
	for id := range e.lastRun {
		if !ids[id] {
			delete(e.lastRun, id)
		}
	}
	for id := range e.lastEvent {
		if !ids[id] {
			delete(e.lastEvent, id)
		}
	}
	e.rules = rules
	e.byID = byID
	e.mu.Unlock()

	e.window.retain(ids)
	e.sched.reload(rules)
	return nil
}

func (e *Engine) refreshLoop() {
	defer close(e.loopDone)
	ticker := time.NewTicker(e.cfg.RuleRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.Reload(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Warn("reload rules", "err", err)
			}
		}
	}
}

func (e *Engine) snapshot() []*store.AutomationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules
}

func (e *Engine) rule(id string) *store.AutomationRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byID[id]
}

// SubmitTrigger evaluates rules against a trigger event.
func (e *Engine) SubmitTrigger(ctx context.Context, t store.TriggerEvent) {
	if t.Value != nil {
		e.state.set(t.DeviceID, t.Capability, *t.Value)
	}
	e.evaluate(ctx, Fact{Kind: FactTrigger, DeviceID: t.DeviceID, EventID: t.EventID, At: t.Timestamp, Trigger: &t})
}

// SubmitReading records the reading as device state and evaluates rules.
func (e *Engine) SubmitReading(ctx context.Context, r store.SensorReading) {
	e.state.set(r.DeviceID, r.Metric, r.Value)
	e.evaluate(ctx, Fact{Kind: FactReading, DeviceID: r.DeviceID, EventID: r.EventID, At: r.Timestamp, Reading: &r})
}

// DeviceStateChanged merges a device's reported properties and evaluates
// rules. eventID names the source event; a rule already reached by another
// fact of that event is not evaluated again.
func (e *Engine) DeviceStateChanged(ctx context.Context, deviceID, eventID string, state map[string]any) {
	e.state.merge(deviceID, state)
	e.evaluate(ctx, Fact{Kind: FactState, DeviceID: deviceID, EventID: eventID, At: e.now(), State: state})
}

func (e *Engine) fireScheduled(ruleID string, idx int) {
	r := e.rule(ruleID)
	if r == nil || !r.Enabled {
		return
	}
	e.evaluateRule(e.ctx, r, Fact{Kind: FactTime, At: e.now(), RuleID: ruleID, TriggerIndex: idx})
}

func (e *Engine) evaluate(ctx context.Context, f Fact) {
	for _, r := range e.snapshot() {
		if r.Enabled {
			e.evaluateRule(ctx, r, f)
		}
	}
}

// evaluateRule runs the trigger, cooldown, condition and claim phases and
// starts the execution when all pass.
func (e *Engine) evaluateRule(ctx context.Context, rule *store.AutomationRule, f Fact) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panic", "rule_id", rule.ID, "panic", r)
		}
	}()

	var matched []int
	for i := range rule.Triggers {
		ok, err := matchTrigger(rule, i, f)
		if err != nil {
			e.logger.Warn("trigger evaluation", "rule_id", rule.ID, "trigger", i, "err", err)
			continue
		}
		if ok {
			matched = append(matched, i)
		}
	}
	if len(matched) == 0 {
		return
	}

	now := e.now()
	if rule.TriggerMode == store.ModeAll &&
		!e.window.record(rule.ID, matched, len(rule.Triggers), now, e.cfg.AllTriggerWindow) {
		e.logger.Debug("waiting for remaining triggers", "rule_id", rule.ID, "matched", matched)
		return
	}

	if !e.firstForEvent(rule, f) {
		e.logger.Debug("rule already evaluated for event", "rule_id", rule.ID, "event_id", f.EventID)
		return
	}

	execID := e.newID()
	matchMsg := fmt.Sprintf("%s from %s", f.Kind, f.DeviceID)

	// Cooldown rejections are broadcast but not persisted.
	if e.coolingDown(rule, now) {
		e.announce(ctx, e.newEntry(rule, execID, store.PhaseTriggerMatched, -1, "", matchMsg, nil))
		e.announce(ctx, e.newEntry(rule, execID, store.PhaseCooldownActive, -1, "", "cooldown active", nil))
		return
	}
	e.record(ctx, rule, execID, store.PhaseTriggerMatched, -1, "", matchMsg, nil)

	ok, err := e.checkConditions(rule, f, now)
	if err != nil {
		e.logger.Warn("condition evaluation", "rule_id", rule.ID, "err", err)
		e.record(ctx, rule, execID, store.PhaseConditionFailed, -1, "", "condition error", err)
		return
	}
	if !ok {
		e.record(ctx, rule, execID, store.PhaseConditionFailed, -1, "", "conditions not met", nil)
		return
	}
	e.record(ctx, rule, execID, store.PhaseConditionPassed, -1, "", "", nil)

	claimed, err := e.store.BeginAutomationRun(ctx, rule.ID, now)
	if err != nil {
		e.logger.Error("begin automation run", "rule_id", rule.ID, "err", err)
		return
	}
	if !claimed {
		e.record(ctx, rule, execID, store.PhaseCooldownActive, -1, "", "cooldown active", nil)
		return
	}

	e.mu.Lock()
	e.lastRun[rule.ID] = now
	e.mu.Unlock()
	if rule.TriggerMode == store.ModeAll {
		e.window.reset(rule.ID)
	}

	e.wg.Add(1)
	go e.execute(rule, f, execID)
}

// firstForEvent reports whether f is the first fact of its source event to
// reach rule. One event can yield a trigger, several readings and a state
// change; each rule runs at most once for it. Facts without an event id
// always pass. Events of one device arrive in order, so remembering the last
// event per device is enough.
func (e *Engine) firstForEvent(rule *store.AutomationRule, f Fact) bool {
	if f.EventID == "" {
		return true
	}
	dev := strings.ToLower(f.DeviceID)
	e.mu.Lock()
	defer e.mu.Unlock()
	seen, ok := e.lastEvent[rule.ID]
	if !ok {
		seen = make(map[string]string)
		e.lastEvent[rule.ID] = seen
	}
	if seen[dev] == f.EventID {
		return false
	}
	seen[dev] = f.EventID
	return true
}

func (e *Engine) coolingDown(rule *store.AutomationRule, now time.Time) bool {
	if rule.CooldownSeconds <= 0 {
		return false
	}
	e.mu.RLock()
	last, ok := e.lastRun[rule.ID]
	e.mu.RUnlock()
	return ok && now.Before(last.Add(rule.Cooldown()))
}

func (e *Engine) execute(rule *store.AutomationRule, f Fact, execID string) {
	defer e.wg.Done()
	ctx := e.ctx

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule execution panic", "rule_id", rule.ID, "panic", r)
			e.complete(ctx, rule)
			e.record(ctx, rule, execID, store.PhaseExecutionFailed, -1, "", "", fmt.Errorf("panic: %v", r))
		}
	}()

	failed, abandoned := e.runActions(ctx, rule, f, execID, 0)
	if abandoned {
		e.logger.Info("execution abandoned", "rule_id", rule.ID, "execution_id", execID)
		return
	}
	e.complete(ctx, rule)

	if n := len(rule.Actions); n > 0 && failed == n {
		e.record(ctx, rule, execID, store.PhaseExecutionFailed, -1, "",
			fmt.Sprintf("all %d actions failed", n), nil)
		return
	}
	e.record(ctx, rule, execID, store.PhaseExecutionCompleted, -1, "",
		fmt.Sprintf("%d of %d actions succeeded", len(rule.Actions)-failed, len(rule.Actions)), nil)
}

func (e *Engine) complete(ctx context.Context, rule *store.AutomationRule) {
	if err := e.store.CompleteAutomationRun(context.WithoutCancel(ctx), rule.ID, e.now()); err != nil {
		e.logger.Warn("complete automation run", "rule_id", rule.ID, "err", err)
	}
}

// runActions executes rule's actions in order. A failed action does not stop
// the ones after it; cancellation of ctx does.
func (e *Engine) runActions(ctx context.Context, rule *store.AutomationRule, f Fact, execID string, depth int) (failed int, abandoned bool) {
	for i, a := range rule.Actions {
		if ctx.Err() != nil {
			return failed, true
		}
		e.record(ctx, rule, execID, store.PhaseActionExecuting, i, a.Type, "", nil)
		msg, err := e.runAction(ctx, rule, a, f, execID, depth)
		if err != nil && ctx.Err() != nil {
			return failed, true
		}
		if err != nil {
			failed++
			e.record(ctx, rule, execID, store.PhaseActionFailed, i, a.Type, msg, err)
			continue
		}
		e.record(ctx, rule, execID, store.PhaseActionCompleted, i, a.Type, msg, nil)
	}
	return failed, false
}

// record persists (best effort) and broadcasts one execution log entry.
func (e *Engine) record(ctx context.Context, rule *store.AutomationRule, execID, phase string, idx int, actionType, msg string, err error) {
	entry := e.newEntry(rule, execID, phase, idx, actionType, msg, err)
	if err := e.store.AppendAutomationLog(context.WithoutCancel(ctx), &entry); err != nil {
		e.logger.Warn("append automation log", "rule_id", rule.ID, "err", err)
	}
	e.announce(ctx, entry)
}

func (e *Engine) newEntry(rule *store.AutomationRule, execID, phase string, idx int, actionType, msg string, err error) store.AutomationLogEntry {
	entry := store.AutomationLogEntry{
		RuleID:      rule.ID,
		RuleName:    rule.Name,
		ExecutionID: execID,
		Phase:       phase,
		ActionIndex: idx,
		ActionType:  actionType,
		Message:     msg,
		Timestamp:   e.now(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	return entry
}

// announce broadcasts, counts and logs an entry without persisting it.
func (e *Engine) announce(ctx context.Context, entry store.AutomationLogEntry) {
	if e.sink != nil {
		e.sink.BroadcastAutomationLog(entry)
	}
	if e.recorder != nil {
		e.recorder.AutomationPhase(entry.Phase)
	}

	level := slog.LevelDebug
	switch entry.Phase {
	case store.PhaseExecutionCompleted:
		level = slog.LevelInfo
	case store.PhaseActionFailed, store.PhaseExecutionFailed:
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "automation "+entry.Phase, "rule_id", entry.RuleID, "execution_id", entry.ExecutionID,
		"action", entry.ActionIndex, "msg", entry.Message, "err", entry.Error)
}
