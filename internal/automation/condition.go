package automation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"homesignal/internal/store"
	"homesignal/internal/sun"
)

var errNoLocation = errors.New("sun condition needs latitude and longitude")

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// checkConditions applies the rule's condition mode. No conditions pass.
func (e *Engine) checkConditions(rule *store.AutomationRule, f Fact, now time.Time) (bool, error) {
	if len(rule.Conditions) == 0 {
		return true, nil
	}
	return e.combine(rule.Conditions, rule.ConditionMode == store.ModeAny, f, now)
}

func (e *Engine) combine(conds []store.Condition, anyOf bool, f Fact, now time.Time) (bool, error) {
	for _, c := range conds {
		ok, err := e.evalCondition(c, f, now)
		if err != nil {
			return false, err
		}
		if anyOf && ok {
			return true, nil
		}
		if !anyOf && !ok {
			return false, nil
		}
	}
	return !anyOf, nil
}

func (e *Engine) evalCondition(c store.Condition, f Fact, now time.Time) (bool, error) {
	local := now.In(e.cfg.Location)
	switch c.Type {
	case store.ConditionDevice:
		actual, ok := e.state.get(c.DeviceID, c.Property)
		if !ok {
			return false, nil
		}
		return compareValues(actual, c.Operator, c.Value)

	case store.ConditionTimeRange:
		return timeInRange(local, c.After, c.Before)

	case store.ConditionDayOfWeek:
		for _, d := range c.Days {
			name := strings.ToLower(strings.TrimSpace(d))
			if len(name) > 3 {
				name = name[:3]
			}
			wd, ok := weekdays[name]
			if !ok {
				return false, fmt.Errorf("unknown day %q", d)
			}
			if wd == local.Weekday() {
				return true, nil
			}
		}
		return false, nil

	case store.ConditionSun:
		if !e.cfg.hasLocation() {
			return false, errNoLocation
		}
		above := sun.AboveHorizon(now, e.cfg.Latitude, e.cfg.Longitude)
		switch c.State {
		case "above_horizon":
			return above, nil
		case "below_horizon":
			return !above, nil
		}
		return false, fmt.Errorf("unknown sun state %q", c.State)

	case store.ConditionExpression:
		return e.expr.eval(c.Expression, map[string]any{
			"state": e.state.snapshot(),
			"fact":  f.Map(),
			"now": map[string]any{
				"hour":    local.Hour(),
				"minute":  local.Minute(),
				"weekday": strings.ToLower(local.Weekday().String()[:3]),
				"unix":    now.Unix(),
			},
		})

	case store.ConditionGroup:
		switch strings.ToLower(c.Logic) {
		case "", "and":
			return e.combine(c.Children, false, f, now)
		case "or":
			return e.combine(c.Children, true, f, now)
		}
		return false, fmt.Errorf("unknown group logic %q", c.Logic)
	}
	return false, fmt.Errorf("unknown condition type %q", c.Type)
}

// timeInRange reports whether t's clock time is in [after, before). A range
// whose end precedes its start wraps midnight. Either bound may be empty.
func timeInRange(t time.Time, after, before string) (bool, error) {
	now := t.Hour()*60 + t.Minute()
	from, hasFrom, err := parseClock(after)
	if err != nil {
		return false, err
	}
	to, hasTo, err := parseClock(before)
	if err != nil {
		return false, err
	}
	switch {
	case hasFrom && hasTo && from <= to:
		return now >= from && now < to, nil
	case hasFrom && hasTo:
		return now >= from || now < to, nil
	case hasFrom:
		return now >= from, nil
	case hasTo:
		return now < to, nil
	}
	return true, nil
}

// parseClock parses "HH:MM" into minutes after midnight.
func parseClock(s string) (int, bool, error) {
	if s == "" {
		return 0, false, nil
	}
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return hh*60 + mm, true, nil
}
