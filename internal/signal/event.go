// Package signal turns raw bus messages into canonical SignalEvents.
package signal

import (
	"encoding/json"
	"time"
)

// Category separates discrete occurrences from continuous telemetry.
type Category string

const (
	CategoryTelemetry Category = "telemetry"
	CategoryTrigger   Category = "trigger"
)

// Capability names produced by the mapper.
const (
	CapabilityButton      = "button"
	CapabilityOccupancy   = "occupancy"
	CapabilityMotion      = "motion"
	CapabilityContact     = "contact"
	CapabilitySwitch      = "switch"
	CapabilityTemperature = "temperature"
	CapabilityBulk        = "bulk"
	CapabilityTelemetry   = "telemetry"
)

// Device kinds inferred from the payload shape.
const (
	KindRemote         = "remote"
	KindPresenceSensor = "presence_sensor"
	KindClimateSensor  = "climate_sensor"
	KindContactSensor  = "contact_sensor"
	KindSwitch         = "switch"
	KindBridge         = "bridge"
	KindUnknown        = "unknown"
)

// SignalEvent is the immutable, normalized form of one bus message.
type SignalEvent struct {
	ID           string          `json:"id"`
	Source       string          `json:"source"`
	DeviceID     string          `json:"device_id"`
	Location     string          `json:"location,omitempty"`
	Capability   string          `json:"capability"`
	EventType    string          `json:"event_type"`
	EventSubType string          `json:"event_sub_type,omitempty"`
	Value        *float64        `json:"value,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Topic        string          `json:"topic"`
	Payload      json.RawMessage `json:"payload"`
	DeviceKind   string          `json:"device_kind"`
	Category     Category        `json:"category"`

	fields map[string]any
}

// Fields returns the decoded payload object. It is nil for array payloads.
// Callers must not modify the returned map.
func (e SignalEvent) Fields() map[string]any {
	return e.fields
}

// WithFields returns a copy of e carrying the given decoded payload.
// Used when an event is rebuilt from storage or by tests.
func (e SignalEvent) WithFields(fields map[string]any) SignalEvent {
	e.fields = fields
	return e
}

// IsTrigger reports whether the event describes a discrete occurrence.
func (e SignalEvent) IsTrigger() bool {
	return e.Category == CategoryTrigger
}
