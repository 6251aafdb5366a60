package signal

import (
	"errors"
	"testing"
	"time"
)

func newTestMapper() *Mapper {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return NewMapper("zigbee2mqtt",
		WithClock(func() time.Time { return fixed }),
		WithIDGenerator(func() string {
			n++
			return "ev-" + string(rune('0'+n))
		}),
	)
}

func TestMapTopicSplit(t *testing.T) {
	tests := []struct {
		name       string
		prefix     string
		topic      string
		wantSource string
		wantDevice string
	}{
		{"prefix strip", "zigbee2mqtt", "zigbee2mqtt/sensor_kitchen", "zigbee2mqtt", "sensor_kitchen"},
		{"nested device", "zigbee2mqtt", "zigbee2mqtt/kitchen/sensor", "zigbee2mqtt", "kitchen/sensor"},
		{"multi-segment prefix", "home/zigbee", "home/zigbee/plug_1", "home", "plug_1"},
		{"foreign prefix", "zigbee2mqtt", "tasmota/plug_2", "tasmota", "plug_2"},
		{"single segment", "zigbee2mqtt", "lonely", "lonely", "lonely"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMapper(tt.prefix)
			ev, err := m.Map(tt.topic, []byte(`{"linkquality": 80}`))
			if err != nil {
				t.Fatal(err)
			}
			if ev.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", ev.Source, tt.wantSource)
			}
			if ev.DeviceID != tt.wantDevice {
				t.Errorf("device = %q, want %q", ev.DeviceID, tt.wantDevice)
			}
		})
	}
}

func TestMapClassification(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		capability string
		eventType  string
		subType    string
		category   Category
		kind       string
		wantValue  bool
		value      float64
	}{
		{"occupancy true", `{"occupancy": true}`, CapabilityOccupancy, "detected", "", CategoryTrigger, KindPresenceSensor, true, 1},
		{"occupancy false", `{"occupancy": false}`, CapabilityOccupancy, "clear", "", CategoryTrigger, KindPresenceSensor, true, 0},
		{"motion", `{"motion": true}`, CapabilityMotion, "detected", "", CategoryTrigger, KindPresenceSensor, true, 1},
		{"contact closed", `{"contact": true}`, CapabilityContact, "closed", "", CategoryTrigger, KindContactSensor, true, 1},
		{"contact open", `{"contact": false}`, CapabilityContact, "open", "", CategoryTrigger, KindContactSensor, true, 0},
		{"temperature", `{"temperature": 21.5, "humidity": 40}`, CapabilityTemperature, "measurement", "", CategoryTelemetry, KindClimateSensor, true, 21.5},
		{"temperature beats occupancy", `{"occupancy": true, "temperature": 22}`, CapabilityTemperature, "measurement", "", CategoryTelemetry, KindClimateSensor, true, 22},
		{"button single", `{"action": "single"}`, CapabilityButton, "single", "", CategoryTrigger, KindRemote, false, 0},
		{"button with source", `{"action": "button_1_double"}`, CapabilityButton, "double", "button_1", CategoryTrigger, KindRemote, false, 0},
		{"button source survives temperature", `{"action": "button_2_single", "temperature": 19}`, CapabilityTemperature, "measurement", "button_2", CategoryTelemetry, KindClimateSensor, true, 19},
		{"switch on", `{"state": "ON", "power": 12}`, CapabilitySwitch, "on", "", CategoryTrigger, KindSwitch, true, 1},
		{"switch overridden by motion", `{"state": "OFF", "motion": false}`, CapabilityMotion, "clear", "", CategoryTrigger, KindPresenceSensor, true, 0},
		{"empty action ignored", `{"action": "", "battery": 90}`, CapabilityTelemetry, "report", "", CategoryTelemetry, KindUnknown, false, 0},
		{"plain telemetry", `{"power": 100, "voltage": 230}`, CapabilityTelemetry, "report", "", CategoryTelemetry, KindUnknown, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := newTestMapper().Map("zigbee2mqtt/dev", []byte(tt.payload))
			if err != nil {
				t.Fatal(err)
			}
			if ev.Capability != tt.capability {
				t.Errorf("capability = %q, want %q", ev.Capability, tt.capability)
			}
			if ev.EventType != tt.eventType {
				t.Errorf("event type = %q, want %q", ev.EventType, tt.eventType)
			}
			if ev.EventSubType != tt.subType {
				t.Errorf("sub type = %q, want %q", ev.EventSubType, tt.subType)
			}
			if ev.Category != tt.category {
				t.Errorf("category = %q, want %q", ev.Category, tt.category)
			}
			if ev.DeviceKind != tt.kind {
				t.Errorf("kind = %q, want %q", ev.DeviceKind, tt.kind)
			}
			if tt.wantValue {
				if ev.Value == nil {
					t.Fatal("value = nil, want set")
				}
				if *ev.Value != tt.value {
					t.Errorf("value = %v, want %v", *ev.Value, tt.value)
				}
			} else if ev.Value != nil {
				t.Errorf("value = %v, want nil", *ev.Value)
			}
		})
	}
}

func TestMapKeepsRawPayloadAndMetadata(t *testing.T) {
	payload := []byte(`{"occupancy": true, "location": "kitchen"}`)
	ev, err := newTestMapper().Map("zigbee2mqtt/sensor_kitchen", payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Payload) != string(payload) {
		t.Errorf("payload = %s, want %s", ev.Payload, payload)
	}
	payload[0] = 'X'
	if ev.Payload[0] != '{' {
		t.Error("event payload aliases caller buffer")
	}
	if ev.Location != "kitchen" {
		t.Errorf("location = %q, want kitchen", ev.Location)
	}
	if ev.ID != "ev-1" {
		t.Errorf("id = %q, want ev-1", ev.ID)
	}
	if ev.Topic != "zigbee2mqtt/sensor_kitchen" {
		t.Errorf("topic = %q", ev.Topic)
	}
	if ev.Fields()["occupancy"] != true {
		t.Errorf("fields = %v", ev.Fields())
	}
}

func TestMapMalformedJSON(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"truncated", `{"occupancy": tr`},
		{"not json", `online`},
		{"null", `null`},
		{"array", `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestMapper().Map("zigbee2mqtt/dev", []byte(tt.payload))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("error type = %T, want *ParseError", err)
			}
			if pe.Topic != "zigbee2mqtt/dev" {
				t.Errorf("topic = %q", pe.Topic)
			}
		})
	}
}

func TestMapArrayPayload(t *testing.T) {
	ev, err := newTestMapper().MapArrayPayload("zigbee2mqtt/bridge/devices", []byte(`[{"ieee":"a"},{"ieee":"b"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Capability != CapabilityBulk {
		t.Errorf("capability = %q, want bulk", ev.Capability)
	}
	if ev.Category != CategoryTelemetry {
		t.Errorf("category = %q, want telemetry", ev.Category)
	}
	if ev.DeviceID != "bridge/devices" {
		t.Errorf("device = %q", ev.DeviceID)
	}
	if ev.Value == nil || *ev.Value != 2 {
		t.Errorf("value = %v, want 2", ev.Value)
	}
	if ev.Fields() != nil {
		t.Error("array payload should not expose fields")
	}

	if _, err := newTestMapper().MapArrayPayload("zigbee2mqtt/bridge/devices", []byte(`{"a":1}`)); err == nil {
		t.Error("expected error for object payload")
	}
}

func TestIsArrayPayload(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{`[1]`, true},
		{"  \n[]", true},
		{`{"a":1}`, false},
		{``, false},
	}
	for _, tt := range tests {
		if got := IsArrayPayload([]byte(tt.in)); got != tt.want {
			t.Errorf("IsArrayPayload(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
