package automation

import (
	"strings"
	"sync"
	"time"

	"homesignal/internal/store"
)

// matchTrigger reports whether fact satisfies trigger i of rule.
func matchTrigger(rule *store.AutomationRule, i int, f Fact) (bool, error) {
	tr := rule.Triggers[i]
	switch tr.Type {
	case store.RuleTriggerTime, store.RuleTriggerSun:
		return f.Kind == FactTime && f.RuleID == rule.ID && f.TriggerIndex == i, nil

	case store.RuleTriggerEvent:
		if f.Kind != FactTrigger || f.Trigger == nil {
			return false, nil
		}
		t := f.Trigger
		return matchField(tr.DeviceID, t.DeviceID) &&
			matchField(tr.Capability, t.Capability) &&
			matchField(tr.TriggerType, t.TriggerType) &&
			matchField(tr.SubType, t.SubType), nil

	case store.RuleTriggerDevice:
		if !matchField(tr.DeviceID, f.DeviceID) {
			return false, nil
		}
		var actual any
		switch {
		case f.Kind == FactReading && f.Reading != nil:
			if tr.Property != "" && !strings.EqualFold(tr.Property, f.Reading.Metric) {
				return false, nil
			}
			actual = f.Reading.Value
		case f.Kind == FactState:
			v, ok := lookupFold(f.State, tr.Property)
			if !ok {
				return false, nil
			}
			actual = v
		default:
			return false, nil
		}
		if tr.Operator == "" && tr.Value == nil {
			return true, nil
		}
		return compareValues(actual, tr.Operator, tr.Value)
	}
	return false, nil
}

// lookupFold finds key in m, ignoring case.
func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return nil, false
}

// matchField treats an empty pattern as a wildcard.
func matchField(pattern, v string) bool {
	return pattern == "" || strings.EqualFold(pattern, v)
}

// matchWindow remembers when each trigger of an "all" rule last matched.
type matchWindow struct {
	mu      sync.Mutex
	matched map[string]map[int]time.Time
}

func newMatchWindow() *matchWindow {
	return &matchWindow{matched: make(map[string]map[int]time.Time)}
}

// record notes the matches at now and reports whether all n triggers have
// matched within window.
func (w *matchWindow) record(ruleID string, idx []int, n int, now time.Time, window time.Duration) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.matched[ruleID]
	if !ok {
		m = make(map[int]time.Time)
		w.matched[ruleID] = m
	}
	for _, i := range idx {
		m[i] = now
	}
	for i := 0; i < n; i++ {
		at, ok := m[i]
		if !ok || now.Sub(at) > window {
			return false
		}
	}
	return true
}

func (w *matchWindow) reset(ruleID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.matched, ruleID)
}

// retain drops state for rules no longer loaded.
func (w *matchWindow) retain(ids map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.matched {
		if !ids[id] {
			delete(w.matched, id)
		}
	}
}
