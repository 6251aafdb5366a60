// Package mqtt subscribes to the device bus and publishes device commands.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Config holds MQTT connection settings.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	// Discovery publishes a Home Assistant connectivity sensor for the hub.
	Discovery bool
}

// Handler receives every message published under the topic prefix. It is
// called on paho's delivery goroutine and must not block.
type Handler func(topic string, payload []byte)

// Bridge is an auto-reconnecting subscription to <prefix>/#.
type Bridge struct {
	client pahomqtt.Client
	cfg    Config
	handle Handler
	logger *slog.Logger
}

// NewBridge prepares the client without connecting, so command publishers
// can hold Client() before messages start flowing.
func NewBridge(cfg Config, logger *slog.Logger) *Bridge {
	if cfg.ClientID == "" {
		cfg.ClientID = "homesignal"
	}
	b := &Bridge{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetOrderMatters(false).
		SetWill(statusTopic(cfg.ClientID), "offline", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected", "broker", cfg.Broker)
			b.subscribe(c)
			b.publishStatus(c, "online")
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	b.client = pahomqtt.NewClient(opts)
	return b
}

// Connect starts delivering messages to handle and waits up to timeout for
// the first connection. The subscription is (re)established on every
// connect.
func (b *Bridge) Connect(handle Handler, timeout time.Duration) error {
	b.handle = handle
	token := b.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt connect timeout after %s", timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Client exposes the connection for publishing commands.
func (b *Bridge) Client() pahomqtt.Client { return b.client }

// Healthy reports an error while the broker connection is down.
func (b *Bridge) Healthy(context.Context) error {
	if !b.client.IsConnectionOpen() {
		return errors.New("broker not connected")
	}
	return nil
}

// Stop publishes the offline status and disconnects.
func (b *Bridge) Stop() {
	b.publishStatus(b.client, "offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) subscribe(c pahomqtt.Client) {
	topic := strings.TrimSuffix(b.cfg.TopicPrefix, "/") + "/#"
	// QoS 0: the pipeline is at-most-once.
	token := c.Subscribe(topic, 0, b.onMessage)
	go func() {
		if !token.WaitTimeout(10 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Error("MQTT subscribe", "topic", topic, "err", err)
		} else {
			b.logger.Info("MQTT subscribed", "topic", topic)
		}
	}()
}

func (b *Bridge) onMessage(_ pahomqtt.Client, msg pahomqtt.Message) {
	b.handle(msg.Topic(), msg.Payload())
}

func (b *Bridge) publishStatus(c pahomqtt.Client, state string) {
	publish(c, b.logger, statusTopic(b.cfg.ClientID), []byte(state), true)
	if b.cfg.Discovery && state == "online" {
		msg := buildStatusDiscovery(b.cfg.ClientID)
		publish(c, b.logger, msg.Topic, msg.Payload, true)
	}
}

func publish(c pahomqtt.Client, logger *slog.Logger, topic string, payload []byte, retained bool) {
	token := c.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
