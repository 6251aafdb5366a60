package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotObject is wrapped by ParseError when Map receives valid JSON that
// is not an object.
var ErrNotObject = errors.New("payload is not a JSON object")

// ParseError reports a payload that could not be decoded.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse payload on %q: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Mapper converts (topic, payload) pairs into SignalEvents.
type Mapper struct {
	prefix string
	now    func() time.Time
	newID  func() string
}

// MapperOption configures a Mapper.
type MapperOption func(*Mapper)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) MapperOption {
	return func(m *Mapper) { m.now = now }
}

// WithIDGenerator overrides event id generation.
func WithIDGenerator(fn func() string) MapperOption {
	return func(m *Mapper) { m.newID = fn }
}

// NewMapper creates a mapper that strips prefix (e.g. "zigbee2mqtt") from
// topics to obtain the device id.
func NewMapper(prefix string, opts ...MapperOption) *Mapper {
	m := &Mapper{
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsArrayPayload reports whether payload is a JSON array, which callers send
// to MapArrayPayload instead of Map.
func IsArrayPayload(payload []byte) bool {
	p := bytes.TrimSpace(payload)
	return len(p) > 0 && p[0] == '['
}

// Map decodes a single-object payload and classifies it.
func (m *Mapper) Map(topic string, payload []byte) (SignalEvent, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return SignalEvent{}, &ParseError{Topic: topic, Err: err}
	}
	if fields == nil {
		return SignalEvent{}, &ParseError{Topic: topic, Err: ErrNotObject}
	}

	source, deviceID := m.splitTopic(topic)
	c := classify(fields)

	ev := SignalEvent{
		ID:           m.newID(),
		Source:       source,
		DeviceID:     deviceID,
		Capability:   c.capability,
		EventType:    c.eventType,
		EventSubType: c.subType,
		Value:        c.value,
		Timestamp:    m.now().UTC(),
		Topic:        topic,
		Payload:      append(json.RawMessage(nil), payload...),
		DeviceKind:   c.shape.deviceKind(),
		Category:     c.shape.category(),
		fields:       fields,
	}
	if loc, ok := fields["location"].(string); ok {
		ev.Location = loc
	}
	if ev.Capability == "" {
		ev.Capability = CapabilityTelemetry
		ev.EventType = "report"
	}
	return ev, nil
}

// MapArrayPayload wraps a bulk or bridge dump without interpreting it.
func (m *Mapper) MapArrayPayload(topic string, payload []byte) (SignalEvent, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return SignalEvent{}, &ParseError{Topic: topic, Err: err}
	}

	source, deviceID := m.splitTopic(topic)
	count := float64(len(items))
	return SignalEvent{
		ID:         m.newID(),
		Source:     source,
		DeviceID:   deviceID,
		Capability: CapabilityBulk,
		EventType:  "bulk",
		Value:      &count,
		Timestamp:  m.now().UTC(),
		Topic:      topic,
		Payload:    append(json.RawMessage(nil), payload...),
		DeviceKind: KindBridge,
		Category:   CategoryTelemetry,
	}, nil
}

// splitTopic returns the first topic segment as the source and the
// remainder after the configured prefix as the device id.
func (m *Mapper) splitTopic(topic string) (source, deviceID string) {
	t := strings.Trim(topic, "/")
	source, _, _ = strings.Cut(t, "/")
	if m.prefix != "" {
		if rest, ok := strings.CutPrefix(t, m.prefix+"/"); ok {
			return source, rest
		}
	}
	_, rest, found := strings.Cut(t, "/")
	if !found {
		return source, t
	}
	return source, rest
}
