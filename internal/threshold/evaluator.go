// Package threshold fires synthetic "custom" triggers when sensor readings
// cross user-defined thresholds.
package threshold

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"homesignal/internal/store"
)

// TriggerTypeCustom is the trigger type of every synthesized trigger.
const TriggerTypeCustom = "custom"

// RuleStore is the subset of store.Store the evaluator needs.
type RuleStore interface {
	ListCustomRules(ctx context.Context, deviceID, metric string) ([]*store.CustomTriggerRule, error)
	ClaimCustomRuleFire(ctx context.Context, id string, now time.Time) (bool, error)
	AppendCustomRuleLog(ctx context.Context, l *store.CustomRuleLog) error
}

// Evaluator matches readings against CustomTriggerRules.
type Evaluator struct {
	rules  RuleStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) { e.now = now }
}

// NewEvaluator creates an evaluator backed by rules.
func NewEvaluator(rules RuleStore, logger *slog.Logger, opts ...Option) *Evaluator {
	e := &Evaluator{
		rules:  rules,
		logger: logger.With("component", "threshold"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns one trigger per rule that fired. Rules fire
// independently; a failing rule is logged and skipped.
func (e *Evaluator) Evaluate(ctx context.Context, readings []store.SensorReading) []store.TriggerEvent {
	var triggers []store.TriggerEvent
	for _, reading := range readings {
		rules, err := e.rules.ListCustomRules(ctx, reading.DeviceID, reading.Metric)
		if err != nil {
			e.logger.Error("list custom rules", "device", reading.DeviceID, "metric", reading.Metric, "err", err)
			continue
		}
		for _, rule := range rules {
			if !rule.Enabled {
				continue
			}
			if t, ok := e.evaluateRule(ctx, rule, reading); ok {
				triggers = append(triggers, t)
			}
		}
	}
	return triggers
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule *store.CustomTriggerRule, reading store.SensorReading) (store.TriggerEvent, bool) {
	now := e.now().UTC()
	log := e.logger.With("rule_id", rule.ID, "device", reading.DeviceID, "metric", reading.Metric)

	if rule.LastFiredAt != nil && now.Before(rule.LastFiredAt.Add(rule.Cooldown())) {
		log.Debug("cooldown active", "last_fired", rule.LastFiredAt)
		return store.TriggerEvent{}, false
	}

	matched, err := Compare(rule.Operator, reading.Value, rule.Threshold, rule.Threshold2)
	if err != nil {
		log.Warn("evaluate custom rule", "err", err)
		return store.TriggerEvent{}, false
	}
	if !matched {
		return store.TriggerEvent{}, false
	}

	// Another evaluator may have fired between the read and now.
	claimed, err := e.rules.ClaimCustomRuleFire(ctx, rule.ID, now)
	if err != nil {
		log.Error("claim custom rule", "err", err)
		return store.TriggerEvent{}, false
	}
	if !claimed {
		log.Debug("cooldown active", "claim", false)
		return store.TriggerEvent{}, false
	}

	ts := reading.Timestamp
	if ts.IsZero() {
		ts = now
	}
	trigger := store.TriggerEvent{
		ID:          e.newID(),
		DeviceID:    reading.DeviceID,
		Capability:  reading.Metric,
		TriggerType: TriggerTypeCustom,
		SubType:     slugify(rule.Name),
		Timestamp:   ts,
		EventID:     reading.EventID,
	}

	entry := &store.CustomRuleLog{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Condition: FormatCondition(rule),
		Value:     reading.Value,
		DeviceID:  reading.DeviceID,
		EventID:   reading.EventID,
		FiredAt:   now,
	}
	if err := e.rules.AppendCustomRuleLog(ctx, entry); err != nil {
		log.Warn("append custom rule log", "err", err)
	}

	log.Info("custom rule fired", "condition", entry.Condition, "value", reading.Value)
	return trigger, true
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = slugRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}
