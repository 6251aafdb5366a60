package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"

	"homesignal/internal/store"
)

// maxRunDepth bounds nested run_automation calls.
const maxRunDepth = 4

var errNoCommander = errors.New("no device commander configured")

// templateData is what webhook bodies and notification messages render over.
type templateData struct {
	Rule  *store.AutomationRule
	Fact  map[string]any
	State map[string]any
	Now   time.Time
}

func (e *Engine) templateData(rule *store.AutomationRule, f Fact) templateData {
	return templateData{Rule: rule, Fact: f.Map(), State: e.state.snapshot(), Now: e.now()}
}

func render(text string, data templateData) (string, error) {
	tmpl, err := template.New("action").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func (e *Engine) actionTimeout(a store.Action) time.Duration {
	if a.TimeoutSeconds > 0 {
		return time.Duration(a.TimeoutSeconds) * time.Second
	}
	return e.cfg.ActionTimeout
}

// runAction executes one action and returns a short result message.
func (e *Engine) runAction(ctx context.Context, rule *store.AutomationRule, a store.Action, f Fact, execID string, depth int) (string, error) {
	switch a.Type {
	case store.ActionSetDeviceState:
		if a.DeviceID == "" || len(a.Properties) == 0 {
			return "", errors.New("set_device_state needs device_id and properties")
		}
		if err := e.dispatch(ctx, a.DeviceID, a.Properties, e.actionTimeout(a)); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s updated", a.DeviceID), nil

	case store.ActionToggleDevice:
		if a.DeviceID == "" {
			return "", errors.New("toggle_device needs device_id")
		}
		prop := a.Property
		if prop == "" {
			prop = "state"
		}
		current, _ := e.state.get(a.DeviceID, prop)
		target := toggled(current)
		if err := e.dispatch(ctx, a.DeviceID, map[string]any{prop: target}, e.actionTimeout(a)); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s=%v", a.DeviceID, prop, target), nil

	case store.ActionDelay:
		d := time.Duration(a.Seconds * float64(time.Second))
		if d <= 0 {
			return "", nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
			return fmt.Sprintf("waited %s", d), nil
		}

	case store.ActionWebhook:
		actx, cancel := context.WithTimeout(ctx, e.actionTimeout(a))
		defer cancel()
		status, err := e.webhook.call(actx, a, e.templateData(rule, f))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("status %d", status), nil

	case store.ActionNotification:
		if e.notifier == nil {
			return "", errors.New("no notifier configured")
		}
		msg, err := render(a.Message, e.templateData(rule, f))
		if err != nil {
			return "", err
		}
		actx, cancel := context.WithTimeout(ctx, e.actionTimeout(a))
		defer cancel()
		if err := e.notifier.Notify(actx, msg); err != nil {
			return "", err
		}
		return "notification sent", nil

	case store.ActionActivateScene:
		states, ok := e.cfg.Scenes[a.Scene]
		if !ok {
			return "", fmt.Errorf("unknown scene %q", a.Scene)
		}
		var errs []error
		for _, s := range states {
			if err := e.dispatch(ctx, s.DeviceID, s.Properties, e.actionTimeout(a)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.DeviceID, err))
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Sprintf("%d of %d devices failed", len(errs), len(states)), err
		}
		return fmt.Sprintf("scene %s applied to %d devices", a.Scene, len(states)), nil

	case store.ActionRunAutomation:
		return e.runNested(ctx, a.RuleID, f, execID, depth)
	}
	return "", fmt.Errorf("unknown action type %q", a.Type)
}

// dispatch sends props through the commander, retrying with exponential
// backoff. Each attempt gets its own timeout.
func (e *Engine) dispatch(ctx context.Context, deviceID string, props map[string]any, timeout time.Duration) error {
	if e.commander == nil {
		return errNoCommander
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.CommandRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := e.commander.SetState(actx, deviceID, props)
		if err != nil {
			e.logger.Debug("command attempt failed", "device", deviceID, "attempt", attempt, "err", err)
		}
		return err
	}, policy)
	if err != nil {
		return fmt.Errorf("set %s after %d attempts: %w", deviceID, attempt, err)
	}
	e.state.merge(deviceID, props)
	return nil
}

// toggled returns the opposite of the current value. Unknown state sends
// TOGGLE and lets the device decide.
func toggled(current any) any {
	switch v := current.(type) {
	case bool:
		return !v
	case string:
		switch strings.ToUpper(v) {
		case "ON":
			return "OFF"
		case "OFF":
			return "ON"
		}
	}
	return "TOGGLE"
}

func (e *Engine) runNested(ctx context.Context, ruleID string, f Fact, execID string, depth int) (string, error) {
	if depth+1 > maxRunDepth {
		return "", fmt.Errorf("run_automation depth limit %d reached", maxRunDepth)
	}
	target := e.rule(ruleID)
	if target == nil {
		r, err := e.store.GetAutomationRule(ctx, ruleID)
		if err != nil {
			return "", fmt.Errorf("run_automation %s: %w", ruleID, err)
		}
		target = r
	}
	if !target.Enabled {
		return fmt.Sprintf("%s is disabled", target.Name), nil
	}

	ok, err := e.checkConditions(target, f, e.now())
	if err != nil {
		return "", fmt.Errorf("run_automation %s conditions: %w", target.Name, err)
	}
	if !ok {
		return fmt.Sprintf("%s conditions not met", target.Name), nil
	}

	failed, abandoned := e.runActions(ctx, target, f, execID, depth+1)
	if abandoned {
		return "", ctx.Err()
	}
	e.complete(ctx, target)
	if n := len(target.Actions); n > 0 && failed == n {
		return "", fmt.Errorf("run_automation %s: all %d actions failed", target.Name, n)
	}
	return fmt.Sprintf("ran %s", target.Name), nil
}
