package automation

import (
	"strings"
	"testing"
	"time"

	"homesignal/internal/store"
)

func TestTimeInRange(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2026, 1, 5, h, m, 0, 0, time.UTC) }
	tests := []struct {
		name          string
		now           time.Time
		after, before string
		want          bool
	}{
		{"inside", at(12, 0), "08:00", "22:00", true},
		{"start inclusive", at(8, 0), "08:00", "22:00", true},
		{"end exclusive", at(22, 0), "08:00", "22:00", false},
		{"wrap late", at(23, 30), "22:00", "06:00", true},
		{"wrap early", at(5, 59), "22:00", "06:00", true},
		{"wrap outside", at(12, 0), "22:00", "06:00", false},
		{"after only", at(19, 0), "18:00", "", true},
		{"before only", at(19, 0), "", "18:00", false},
	}
	for _, tt := range tests {
		got, err := timeInRange(tt.now, tt.after, tt.before)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
	if _, err := timeInRange(at(1, 0), "8am", ""); err == nil {
		t.Error("invalid clock: expected error")
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		actual   any
		op       string
		expected any
		want     bool
	}{
		{25.0, ">", 20.0, true},
		{25.0, "<=", 20, false},
		{"48.2", ">", 40, true},
		{"ON", "==", "on", true},
		{"ON", "!=", "OFF", true},
		{true, "", "true", true},
		{true, "==", 1.0, true},
		{false, "!=", true, true},
		{1.0, "==", true, true},
		{21.0, "between", []any{18.0, 24.0}, true},
		{30.0, "between", []any{18.0, 24.0}, false},
	}
	for _, tt := range tests {
		got, err := compareValues(tt.actual, tt.op, tt.expected)
		if err != nil {
			t.Errorf("compare(%v %s %v): %v", tt.actual, tt.op, tt.expected, err)
			continue
		}
		if got != tt.want {
			t.Errorf("compare(%v %s %v) = %v, want %v", tt.actual, tt.op, tt.expected, got, tt.want)
		}
	}

	for _, bad := range []struct {
		actual, expected any
		op               string
	}{
		{"ON", "OFF", ">"},
		{21.0, 18.0, "between"},
		{1.0, 2.0, "~"},
	} {
		if _, err := compareValues(bad.actual, bad.op, bad.expected); err == nil {
			t.Errorf("compare(%v %s %v): expected error", bad.actual, bad.op, bad.expected)
		}
	}
}

func conditionEngine(t *testing.T, now time.Time, cfg Config) *Engine {
	t.Helper()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return NewEngine(newTestStore(t), cfg, testLogger(), WithClock(func() time.Time { return now }))
}

func TestEvalCondition(t *testing.T) {
	// Monday 2026-01-05, 21:00 UTC.
	now := time.Date(2026, 1, 5, 21, 0, 0, 0, time.UTC)
	e := conditionEngine(t, now, Config{Latitude: 51.5074, Longitude: -0.1278})
	e.state.merge("Lamp", map[string]any{"state": "ON", "brightness": 180.0})

	tests := []struct {
		name string
		c    store.Condition
		want bool
	}{
		{"device equal", store.Condition{Type: store.ConditionDevice, DeviceID: "lamp", Property: "state", Value: "ON"}, true},
		{"device numeric", store.Condition{Type: store.ConditionDevice, DeviceID: "lamp", Property: "brightness", Operator: "<", Value: 100}, false},
		{"device unknown property", store.Condition{Type: store.ConditionDevice, DeviceID: "lamp", Property: "color"}, false},
		{"evening", store.Condition{Type: store.ConditionTimeRange, After: "18:00", Before: "23:00"}, true},
		{"weekday", store.Condition{Type: store.ConditionDayOfWeek, Days: []string{"mon", "Tuesday"}}, true},
		{"weekend", store.Condition{Type: store.ConditionDayOfWeek, Days: []string{"sat", "sun"}}, false},
		{"dark in london", store.Condition{Type: store.ConditionSun, State: "below_horizon"}, true},
		{"or group", store.Condition{Type: store.ConditionGroup, Logic: "or", Children: []store.Condition{
			{Type: store.ConditionDayOfWeek, Days: []string{"sat"}},
			{Type: store.ConditionDevice, DeviceID: "lamp", Property: "state", Value: "ON"},
		}}, true},
		{"and group", store.Condition{Type: store.ConditionGroup, Children: []store.Condition{
			{Type: store.ConditionDayOfWeek, Days: []string{"sat"}},
			{Type: store.ConditionDevice, DeviceID: "lamp", Property: "state", Value: "ON"},
		}}, false},
		{"expression", store.Condition{Type: store.ConditionExpression,
			Expression: `state.lamp.brightness > 100 and now.weekday == "mon"`}, true},
	}
	for _, tt := range tests {
		got, err := e.evalCondition(tt.c, Fact{}, now)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEvalConditionErrors(t *testing.T) {
	now := time.Date(2026, 1, 5, 21, 0, 0, 0, time.UTC)
	e := conditionEngine(t, now, Config{})

	for _, c := range []store.Condition{
		{Type: "weather"},
		{Type: store.ConditionDayOfWeek, Days: []string{"someday"}},
		{Type: store.ConditionSun, State: "above_horizon"},
		{Type: store.ConditionGroup, Logic: "xor"},
		{Type: store.ConditionExpression, Expression: "this is not lua"},
	} {
		if _, err := e.evalCondition(c, Fact{}, now); err == nil {
			t.Errorf("%+v: expected error", c)
		}
	}
}

func TestCheckConditionsModes(t *testing.T) {
	now := time.Date(2026, 1, 5, 21, 0, 0, 0, time.UTC)
	e := conditionEngine(t, now, Config{})
	pass := store.Condition{Type: store.ConditionDayOfWeek, Days: []string{"mon"}}
	fail := store.Condition{Type: store.ConditionDayOfWeek, Days: []string{"fri"}}

	tests := []struct {
		mode  string
		conds []store.Condition
		want  bool
	}{
		{store.ModeAll, nil, true},
		{store.ModeAll, []store.Condition{pass, pass}, true},
		{store.ModeAll, []store.Condition{pass, fail}, false},
		{store.ModeAny, []store.Condition{fail, pass}, true},
		{store.ModeAny, []store.Condition{fail, fail}, false},
		{"", []store.Condition{pass, fail}, false},
	}
	for _, tt := range tests {
		rule := &store.AutomationRule{ConditionMode: tt.mode, Conditions: tt.conds}
		got, err := e.checkConditions(rule, Fact{}, now)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("mode %q with %d conditions = %v, want %v", tt.mode, len(tt.conds), got, tt.want)
		}
	}
}

func TestMatchTrigger(t *testing.T) {
	rule := &store.AutomationRule{ID: "r", Triggers: []store.Trigger{
		{Type: store.RuleTriggerEvent, DeviceID: "remote", TriggerType: "double"},
		{Type: store.RuleTriggerDevice, DeviceID: "plug", Property: "power", Operator: ">", Value: 100},
		{Type: store.RuleTriggerDevice, DeviceID: "remote", Property: "action", Value: "single"},
		{Type: store.RuleTriggerTime, At: "07:00"},
	}}
	double := store.TriggerEvent{DeviceID: "Remote", Capability: "button", TriggerType: "double"}
	power := store.SensorReading{DeviceID: "plug", Metric: "power", Value: 150}

	tests := []struct {
		name string
		idx  int
		f    Fact
		want bool
	}{
		{"event match", 0, Fact{Kind: FactTrigger, DeviceID: "Remote", Trigger: &double}, true},
		{"event wrong kind", 0, Fact{Kind: FactReading, DeviceID: "remote", Reading: &power}, false},
		{"reading above", 1, Fact{Kind: FactReading, DeviceID: "plug", Reading: &power}, true},
		{"reading other device", 1, Fact{Kind: FactReading, DeviceID: "lamp", Reading: &power}, false},
		{"state change", 2, Fact{Kind: FactState, DeviceID: "remote", State: map[string]any{"action": "single"}}, true},
		{"state property case", 2, Fact{Kind: FactState, DeviceID: "remote", State: map[string]any{"Action": "single"}}, true},
		{"state missing property", 2, Fact{Kind: FactState, DeviceID: "remote", State: map[string]any{"battery": 90}}, false},
		{"own schedule", 3, Fact{Kind: FactTime, RuleID: "r", TriggerIndex: 3}, true},
		{"other schedule", 3, Fact{Kind: FactTime, RuleID: "r", TriggerIndex: 0}, false},
	}
	for _, tt := range tests {
		got, err := matchTrigger(rule, tt.idx, tt.f)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestExpressionSandbox(t *testing.T) {
	x := newExprEvaluator(100 * time.Millisecond)

	ok, err := x.eval("os == nil and io == nil and require == nil", nil)
	if err != nil || !ok {
		t.Errorf("sandbox globals: ok=%v err=%v", ok, err)
	}

	ok, err = x.eval(`if fact.value > 10 then return true end return false`, map[string]any{
		"fact": map[string]any{"value": 12.0},
	})
	if err != nil || !ok {
		t.Errorf("chunk form: ok=%v err=%v", ok, err)
	}

	_, err = x.eval("(function() while true do end end)()", nil)
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("runaway expression err = %v, want timeout", err)
	}

	// Compiled chunks are cached.
	if _, err := x.eval("1 == 1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := x.eval("1 == 1", nil); err != nil {
		t.Fatal(err)
	}
	if len(x.protos) != 4 {
		t.Errorf("cached protos = %d, want 4", len(x.protos))
	}
}
