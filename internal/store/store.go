package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// SaveProjection persists an event with its triggers and readings in
	// one transaction. Either everything is written or nothing is.
	SaveProjection(ctx context.Context, p Projection) error
	ListReadings(ctx context.Context, deviceID string, limit int) ([]SensorReading, error)
	ListTriggers(ctx context.Context, deviceID string, limit int) ([]TriggerEvent, error)

	// Custom trigger rules
	ListCustomRules(ctx context.Context, deviceID, metric string) ([]*CustomTriggerRule, error)
	GetCustomRule(ctx context.Context, id string) (*CustomTriggerRule, error)
	SaveCustomRule(ctx context.Context, r *CustomTriggerRule) error
	DeleteCustomRule(ctx context.Context, id string) error

	// ClaimCustomRuleFire re-checks the rule's cooldown against now and,
	// if it has elapsed, sets LastFiredAt = now. Only one concurrent caller
	// can win a claim for the same window.
	ClaimCustomRuleFire(ctx context.Context, id string, now time.Time) (bool, error)
	AppendCustomRuleLog(ctx context.Context, l *CustomRuleLog) error
	ListCustomRuleLogs(ctx context.Context, ruleID string, limit int) ([]*CustomRuleLog, error)

	// Automation rules
	ListAutomationRules(ctx context.Context) ([]*AutomationRule, error)
	GetAutomationRule(ctx context.Context, id string) (*AutomationRule, error)
	SaveAutomationRule(ctx context.Context, r *AutomationRule) error
	DeleteAutomationRule(ctx context.Context, id string) error

	// BeginAutomationRun is the automation equivalent of ClaimCustomRuleFire:
	// it sets LastTriggeredAt = now unless the rule is still cooling down.
	BeginAutomationRun(ctx context.Context, id string, now time.Time) (bool, error)
	// CompleteAutomationRun increments the execution count and fills in
	// LastTriggeredAt when the run was never claimed.
	CompleteAutomationRun(ctx context.Context, id string, at time.Time) error
	AppendAutomationLog(ctx context.Context, e *AutomationLogEntry) error
	ListAutomationLogs(ctx context.Context, ruleID string, limit int) ([]*AutomationLogEntry, error)

	// Close the store
	Close() error
}

// cooledDown reports whether a rule last fired at last may fire again at now.
func cooledDown(last *time.Time, cooldown time.Duration, now time.Time) bool {
	if last == nil || cooldown <= 0 {
		return true
	}
	return !now.Before(last.Add(cooldown))
}
