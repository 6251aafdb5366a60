package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { <-t.done; return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	msgs  []published
	token *fakeToken
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload interface{}) pahomqtt.Token {
	p.msgs = append(p.msgs, published{topic, retained, payload.([]byte)})
	return p.token
}

type fakeMessage struct {
	pahomqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

func TestCommanderPublishesSet(t *testing.T) {
	pub := &fakePublisher{token: doneToken(nil)}
	c := NewCommander(pub, "zigbee2mqtt/")

	if err := c.SetState(context.Background(), "living_lamp", map[string]any{"state": "ON", "brightness": 120}); err != nil {
		t.Fatal(err)
	}
	if len(pub.msgs) != 1 {
		t.Fatalf("published %d messages", len(pub.msgs))
	}
	m := pub.msgs[0]
	if m.topic != "zigbee2mqtt/living_lamp/set" || m.retained {
		t.Errorf("topic = %q retained = %v", m.topic, m.retained)
	}
	var got map[string]any
	if err := json.Unmarshal(m.payload, &got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "ON" || got["brightness"] != 120.0 {
		t.Errorf("payload = %v", got)
	}
}

func TestCommanderErrors(t *testing.T) {
	pub := &fakePublisher{token: doneToken(errors.New("not connected"))}
	if err := NewCommander(pub, "z2m").SetState(context.Background(), "lamp", map[string]any{"state": "ON"}); err == nil {
		t.Error("token error: expected error")
	}

	pending := &fakePublisher{token: &fakeToken{done: make(chan struct{})}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewCommander(pending, "z2m").SetState(ctx, "lamp", map[string]any{"state": "ON"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestOnMessageForwardsToHandler(t *testing.T) {
	var gotTopic string
	var gotPayload []byte
	b := &Bridge{
		handle: func(topic string, payload []byte) { gotTopic, gotPayload = topic, payload },
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	b.onMessage(nil, fakeMessage{topic: "zigbee2mqtt/sensor", payload: []byte(`{"a":1}`)})
	if gotTopic != "zigbee2mqtt/sensor" || string(gotPayload) != `{"a":1}` {
		t.Errorf("handler got %q %q", gotTopic, gotPayload)
	}
}

func TestStatusDiscovery(t *testing.T) {
	msg := buildStatusDiscovery("Home Signal #1")
	if msg.Topic != "homeassistant/binary_sensor/home_signal_1/status/config" {
		t.Errorf("topic = %q", msg.Topic)
	}
	var d haDiscovery
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		t.Fatal(err)
	}
	if d.StateTopic != "home_signal_1/status" || d.DeviceClass != "connectivity" {
		t.Errorf("discovery = %+v", d)
	}
	if d.PayloadOn != "online" || d.PayloadOff != "offline" {
		t.Errorf("payloads = %q/%q", d.PayloadOn, d.PayloadOff)
	}
}

func TestNodeID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"homesignal", "homesignal"},
		{"Hub-Kitchen", "hub_kitchen"},
		{"", "homesignal"},
	}
	for _, tt := range tests {
		if got := nodeID(tt.in); got != tt.want {
			t.Errorf("nodeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
