package automation

import (
	"strings"
	"sync"
	"time"

	"homesignal/internal/store"
)

// FactKind identifies what a Fact carries.
type FactKind string

const (
	FactTrigger FactKind = "trigger"
	FactReading FactKind = "reading"
	FactState   FactKind = "state"
	FactTime    FactKind = "time"
)

// Fact is one input the engine evaluates rules against.
type Fact struct {
	Kind     FactKind
	DeviceID string
	EventID  string // source SignalEvent, if any
	At       time.Time

	Trigger *store.TriggerEvent
	Reading *store.SensorReading
	State   map[string]any

	// Set for FactTime: the rule and trigger index whose schedule fired.
	RuleID       string
	TriggerIndex int
}

// Map flattens the fact for templates and Lua expressions.
func (f Fact) Map() map[string]any {
	m := map[string]any{
		"kind":      string(f.Kind),
		"device_id": f.DeviceID,
		"at":        f.At.Format(time.RFC3339),
	}
	if f.EventID != "" {
		m["event_id"] = f.EventID
	}
	switch {
	case f.Trigger != nil:
		m["capability"] = f.Trigger.Capability
		m["trigger_type"] = f.Trigger.TriggerType
		m["sub_type"] = f.Trigger.SubType
		if f.Trigger.Value != nil {
			m["value"] = *f.Trigger.Value
		}
	case f.Reading != nil:
		m["metric"] = f.Reading.Metric
		m["value"] = f.Reading.Value
		m["unit"] = f.Reading.Unit
	case f.State != nil:
		m["state"] = f.State
	}
	return m
}

// deviceState is the engine's last known property values per device.
// Device ids are compared case-insensitively.
type deviceState struct {
	mu      sync.RWMutex
	devices map[string]map[string]any
}

func newDeviceState() *deviceState {
	return &deviceState{devices: make(map[string]map[string]any)}
}

func (s *deviceState) set(deviceID, property string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.propsLocked(deviceID)[property] = v
}

func (s *deviceState) merge(deviceID string, props map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := s.propsLocked(deviceID)
	for k, v := range props {
		dst[k] = v
	}
}

func (s *deviceState) propsLocked(deviceID string) map[string]any {
	key := strings.ToLower(deviceID)
	props, ok := s.devices[key]
	if !ok {
		props = make(map[string]any)
		s.devices[key] = props
	}
	return props
}

func (s *deviceState) get(deviceID, property string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.devices[strings.ToLower(deviceID)][property]
	return v, ok
}

// snapshot returns a deep enough copy for use outside the lock.
func (s *deviceState) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.devices))
	for id, props := range s.devices {
		cp := make(map[string]any, len(props))
		for k, v := range props {
			cp[k] = v
		}
		out[id] = cp
	}
	return out
}
