package signal

import "strings"

// Shape is a recognized payload shape.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeSwitch
	ShapeButton
	ShapeOccupancy
	ShapeMotion
	ShapeTemperature
	ShapeContact
)

func (s Shape) String() string {
	switch s {
	case ShapeSwitch:
		return "switch"
	case ShapeButton:
		return "button"
	case ShapeOccupancy:
		return "occupancy"
	case ShapeMotion:
		return "motion"
	case ShapeTemperature:
		return "temperature"
	case ShapeContact:
		return "contact"
	default:
		return "none"
	}
}

// classification is what a matcher contributes to an event.
type classification struct {
	shape      Shape
	capability string
	eventType  string
	subType    string
	value      *float64
}

// matcher inspects a decoded payload and reports whether its shape applies.
type matcher struct {
	shape Shape
	match func(fields map[string]any) (classification, bool)
}

// matchers run in order; the last one that matches decides capability and
// event type. Switch state is lowest priority so any sensor field present
// in the same payload overrides it.
var matchers = []matcher{
	{ShapeSwitch, matchSwitch},
	{ShapeButton, matchButton},
	{ShapeOccupancy, boolMatcher("occupancy", CapabilityOccupancy, "detected", "clear")},
	{ShapeMotion, boolMatcher("motion", CapabilityMotion, "detected", "clear")},
	{ShapeTemperature, matchTemperature},
	{ShapeContact, boolMatcher("contact", CapabilityContact, "closed", "open")},
}

// classify resolves all matchers against fields. Later matches override
// capability and event type; an earlier sub-type survives unless the later
// match sets its own.
func classify(fields map[string]any) classification {
	var out classification
	for _, m := range matchers {
		c, ok := m.match(fields)
		if !ok {
			continue
		}
		c.shape = m.shape
		sub := out.subType
		out = c
		if out.subType == "" {
			out.subType = sub
		}
	}
	return out
}

func matchSwitch(fields map[string]any) (classification, bool) {
	s, ok := fields["state"].(string)
	if !ok {
		return classification{}, false
	}
	switch strings.ToUpper(s) {
	case "ON":
		return classification{shape: ShapeSwitch, capability: CapabilitySwitch, eventType: "on", value: floatPtr(1)}, true
	case "OFF":
		return classification{shape: ShapeSwitch, capability: CapabilitySwitch, eventType: "off", value: floatPtr(0)}, true
	}
	return classification{}, false
}

func matchButton(fields map[string]any) (classification, bool) {
	action, ok := fields["action"].(string)
	if !ok || strings.TrimSpace(action) == "" {
		return classification{}, false
	}
	source, actionType := DecomposeAction(action)
	return classification{
		shape:      ShapeButton,
		capability: CapabilityButton,
		eventType:  actionType,
		subType:    source,
	}, true
}

func matchTemperature(fields map[string]any) (classification, bool) {
	v, ok := fields["temperature"].(float64)
	if !ok {
		return classification{}, false
	}
	return classification{
		shape:      ShapeTemperature,
		capability: CapabilityTemperature,
		eventType:  "measurement",
		value:      floatPtr(v),
	}, true
}

func boolMatcher(field, capability, whenTrue, whenFalse string) func(map[string]any) (classification, bool) {
	return func(fields map[string]any) (classification, bool) {
		b, ok := fields[field].(bool)
		if !ok {
			return classification{}, false
		}
		c := classification{capability: capability}
		if b {
			c.eventType = whenTrue
			c.value = floatPtr(1)
		} else {
			c.eventType = whenFalse
			c.value = floatPtr(0)
		}
		return c, true
	}
}

func (s Shape) category() Category {
	switch s {
	case ShapeButton, ShapeOccupancy, ShapeMotion, ShapeContact, ShapeSwitch:
		return CategoryTrigger
	default:
		return CategoryTelemetry
	}
}

func (s Shape) deviceKind() string {
	switch s {
	case ShapeButton:
		return KindRemote
	case ShapeOccupancy, ShapeMotion:
		return KindPresenceSensor
	case ShapeTemperature:
		return KindClimateSensor
	case ShapeContact:
		return KindContactSensor
	case ShapeSwitch:
		return KindSwitch
	default:
		return KindUnknown
	}
}

func floatPtr(v float64) *float64 { return &v }
