package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher is the part of a paho client the commander uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Commander publishes device state requests to <prefix>/<device>/set.
type Commander struct {
	pub    Publisher
	prefix string
}

func NewCommander(pub Publisher, prefix string) *Commander {
	return &Commander{pub: pub, prefix: strings.TrimSuffix(prefix, "/")}
}

// SetState publishes props as JSON and waits for the broker to accept it or
// for ctx to end.
func (c *Commander) SetState(ctx context.Context, deviceID string, props map[string]any) error {
	payload, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("encode command for %s: %w", deviceID, err)
	}
	topic := c.prefix + "/" + deviceID + "/set"
	token := c.pub.Publish(topic, 1, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
}
