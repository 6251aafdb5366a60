package store

import (
	"time"

	"homesignal/internal/signal"
)

// SensorReading is one numeric metric extracted from an event.
type SensorReading struct {
	DeviceID  string    `json:"device_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"event_id"`
}

// TriggerEvent is a discrete occurrence that automation can react to.
type TriggerEvent struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Capability  string    `json:"capability"`
	TriggerType string    `json:"trigger_type"`
	SubType     string    `json:"sub_type,omitempty"`
	Value       *bool     `json:"value,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	EventID     string    `json:"event_id"`
}

// Projection is everything derived from one SignalEvent. It is persisted
// as a single unit of work.
type Projection struct {
	Event    signal.SignalEvent
	Triggers []TriggerEvent
	Readings []SensorReading
}

// Threshold operators.
const (
	OpGT      = ">"
	OpGTE     = ">="
	OpLT      = "<"
	OpLTE     = "<="
	OpEQ      = "=="
	OpNEQ     = "!="
	OpBetween = "between"
)

// CustomTriggerRule fires a "custom" trigger when a metric crosses a threshold.
type CustomTriggerRule struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Enabled         bool       `json:"enabled"`
	DeviceID        string     `json:"device_id"`
	Metric          string     `json:"metric"`
	Operator        string     `json:"operator"`
	Threshold       float64    `json:"threshold"`
	Threshold2      *float64   `json:"threshold2,omitempty"`
	CooldownSeconds int        `json:"cooldown_seconds,omitempty"`
	LastFiredAt     *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Cooldown returns the configured cooldown as a duration.
func (r *CustomTriggerRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// CustomRuleLog records one firing of a CustomTriggerRule.
type CustomRuleLog struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Condition string    `json:"condition"`
	Value     float64   `json:"value"`
	DeviceID  string    `json:"device_id"`
	EventID   string    `json:"event_id"`
	FiredAt   time.Time `json:"fired_at"`
}

// Trigger and condition combination modes.
const (
	ModeAny = "any"
	ModeAll = "all"
)

// Rule trigger types.
const (
	RuleTriggerDevice = "device"
	RuleTriggerEvent  = "event"
	RuleTriggerTime   = "time"
	RuleTriggerSun    = "sun"
)

// Condition types.
const (
	ConditionDevice     = "device"
	ConditionTimeRange  = "time_range"
	ConditionDayOfWeek  = "day_of_week"
	ConditionSun        = "sun"
	ConditionExpression = "expression"
	ConditionGroup      = "group"
)

// Action types.
const (
	ActionSetDeviceState = "set_device_state"
	ActionToggleDevice   = "toggle_device"
	ActionDelay          = "delay"
	ActionWebhook        = "webhook"
	ActionNotification   = "notification"
	ActionActivateScene  = "activate_scene"
	ActionRunAutomation  = "run_automation"
)

// AutomationRule is a trigger/condition/action program.
type AutomationRule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`
	TriggerMode     string      `json:"trigger_mode"`
	ConditionMode   string      `json:"condition_mode"`
	CooldownSeconds int         `json:"cooldown_seconds,omitempty"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
	ExecutionCount  int64       `json:"execution_count"`
	Triggers        []Trigger   `json:"triggers"`
	Conditions      []Condition `json:"conditions,omitempty"`
	Actions         []Action    `json:"actions"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Cooldown returns the configured cooldown as a duration.
func (r *AutomationRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Trigger describes what starts a rule. Which fields apply depends on Type.
type Trigger struct {
	Type string `json:"type" yaml:"type"`

	// device: compare a property of a reading or state change.
	// event: match a TriggerEvent by capability, trigger type and sub type.
	DeviceID    string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Property    string `json:"property,omitempty" yaml:"property,omitempty"`
	Operator    string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value       any    `json:"value,omitempty" yaml:"value,omitempty"`
	Capability  string `json:"capability,omitempty" yaml:"capability,omitempty"`
	TriggerType string `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty"`
	SubType     string `json:"sub_type,omitempty" yaml:"sub_type,omitempty"`

	// time: Cron takes precedence over At ("HH:MM").
	Cron string `json:"cron,omitempty" yaml:"cron,omitempty"`
	At   string `json:"at,omitempty" yaml:"at,omitempty"`

	// sun: Event is "sunrise" or "sunset".
	Event         string `json:"event,omitempty" yaml:"event,omitempty"`
	OffsetMinutes int    `json:"offset_minutes,omitempty" yaml:"offset_minutes,omitempty"`
}

// Condition gates rule execution.
type Condition struct {
	Type string `json:"type" yaml:"type"`

	DeviceID string `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Property string `json:"property,omitempty" yaml:"property,omitempty"`
	Operator string `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`

	// time_range, "HH:MM". After > Before wraps midnight.
	After  string `json:"after,omitempty" yaml:"after,omitempty"`
	Before string `json:"before,omitempty" yaml:"before,omitempty"`

	// day_of_week: three letter names, "mon".."sun".
	Days []string `json:"days,omitempty" yaml:"days,omitempty"`

	// sun: "above_horizon" or "below_horizon".
	State string `json:"state,omitempty" yaml:"state,omitempty"`

	// expression: Lua boolean expression.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// group: "and" or "or" over Children.
	Logic    string      `json:"logic,omitempty" yaml:"logic,omitempty"`
	Children []Condition `json:"children,omitempty" yaml:"children,omitempty"`
}

// Action is one step of a rule's program.
type Action struct {
	Type string `json:"type" yaml:"type"`

	DeviceID   string         `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Property   string         `json:"property,omitempty" yaml:"property,omitempty"`

	Seconds float64 `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    string            `json:"body,omitempty" yaml:"body,omitempty"`

	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Scene   string `json:"scene,omitempty" yaml:"scene,omitempty"`
	RuleID  string `json:"rule_id,omitempty" yaml:"rule_id,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// Automation log phases.
const (
	PhaseTriggerMatched     = "TriggerMatched"
	PhaseConditionPassed    = "ConditionPassed"
	PhaseConditionFailed    = "ConditionFailed"
	PhaseActionExecuting    = "ActionExecuting"
	PhaseActionCompleted    = "ActionCompleted"
	PhaseActionFailed       = "ActionFailed"
	PhaseExecutionCompleted = "ExecutionCompleted"
	PhaseExecutionFailed    = "ExecutionFailed"
	PhaseCooldownActive     = "CooldownActive"
)

// AutomationLogEntry is one structured record of rule execution.
// ActionIndex is -1 for entries not tied to an action.
type AutomationLogEntry struct {
	ID          string    `json:"id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	ExecutionID string    `json:"execution_id"`
	Phase       string    `json:"phase"`
	ActionIndex int       `json:"action_index"`
	ActionType  string    `json:"action_type,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
