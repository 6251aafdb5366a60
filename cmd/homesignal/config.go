package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"homesignal/internal/automation"
)

type Config struct {
	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
		// ConnectTimeout bounds the wait for the first broker connection.
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Driver      string `yaml:"driver"` // "bolt" or "postgres"
		Path        string `yaml:"path"`
		PostgresURL string `yaml:"postgres_url"`
	} `yaml:"store"`
	StateCache struct {
		Driver   string `yaml:"driver"` // "memory" or "redis"
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"state_cache"`
	Pipeline struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"pipeline"`
	Automation struct {
		Timezone  string  `yaml:"timezone"`
		Latitude  float64 `yaml:"latitude"`
		Longitude float64 `yaml:"longitude"`

		AllTriggerWindow  time.Duration `yaml:"all_trigger_window"`
		RuleRefresh       time.Duration `yaml:"rule_refresh"`
		ActionTimeout     time.Duration `yaml:"action_timeout"`
		ExpressionTimeout time.Duration `yaml:"expression_timeout"`
		// CommandRetries is a pointer so an explicit 0 disables retries.
		CommandRetries *int          `yaml:"command_retries"`
		RetryInterval  time.Duration `yaml:"retry_interval"`

		Scenes map[string][]automation.SceneState `yaml:"scenes"`

		Webhook struct {
			Timeout      time.Duration `yaml:"timeout"`
			RetryMax     int           `yaml:"retry_max"`
			RetryWaitMin time.Duration `yaml:"retry_wait_min"`
			RetryWaitMax time.Duration `yaml:"retry_wait_max"`
		} `yaml:"webhook"`
	} `yaml:"automation"`
	Telegram automation.TelegramConfig `yaml:"telegram"`
	Log      struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	var errs []error
	if c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required"))
	}
	switch c.Store.Driver {
	case "bolt":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the bolt driver"))
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url (or HOMESIGNAL_POSTGRES_URL) is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver must be bolt or postgres, got %q", c.Store.Driver))
	}
	switch c.StateCache.Driver {
	case "memory":
	case "redis":
		if c.StateCache.Addr == "" {
			errs = append(errs, errors.New("state_cache.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("state_cache.driver must be memory or redis, got %q", c.StateCache.Driver))
	}
	if c.Automation.Timezone != "" {
		if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("automation.timezone: %w", err))
		}
	}
	if lat := c.Automation.Latitude; lat < -90 || lat > 90 {
		errs = append(errs, fmt.Errorf("automation.latitude must be -90..90, got %v", lat))
	}
	if lon := c.Automation.Longitude; lon < -180 || lon > 180 {
		errs = append(errs, fmt.Errorf("automation.longitude must be -180..180, got %v", lon))
	}
	if r := c.Automation.CommandRetries; r != nil && *r < 0 {
		errs = append(errs, errors.New("automation.command_retries must not be negative"))
	}
	for name, states := range c.Automation.Scenes {
		for i, st := range states {
			if st.DeviceID == "" {
				errs = append(errs, fmt.Errorf("automation.scenes.%s[%d]: device_id is required", name, i))
			}
		}
	}
	if len(c.Telegram.ChatIDs) > 0 && c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("telegram.chat_ids set without telegram.bot_token"))
	}
	return errors.Join(errs...)
}

// engineConfig converts the automation section for automation.NewEngine.
// Zero durations fall through to the engine's defaults.
func (c *Config) engineConfig() automation.Config {
	a := c.Automation
	var retries int
	if a.CommandRetries != nil {
		retries = *a.CommandRetries
	}
	loc := time.Local
	if a.Timezone != "" {
		// validate has already checked the name.
		if l, err := time.LoadLocation(a.Timezone); err == nil {
			loc = l
		}
	}
	return automation.Config{
		AllTriggerWindow:  a.AllTriggerWindow,
		RuleRefresh:       a.RuleRefresh,
		ActionTimeout:     a.ActionTimeout,
		ExpressionTimeout: a.ExpressionTimeout,
		CommandRetries:    retries,
		RetryInterval:     a.RetryInterval,
		Location:          loc,
		Latitude:          a.Latitude,
		Longitude:         a.Longitude,
		Scenes:            a.Scenes,
		Webhook: automation.WebhookConfig{
			Timeout:      a.Webhook.Timeout,
			RetryMax:     a.Webhook.RetryMax,
			RetryWaitMin: a.Webhook.RetryWaitMin,
			RetryWaitMax: a.Webhook.RetryWaitMax,
		},
	}
}

// Secrets that may come from the environment or a .env file instead of the
// YAML file. The environment wins.
var envOverrides = []struct {
	name string
	dst  func(*Config) *string
}{
	{"HOMESIGNAL_MQTT_PASSWORD", func(c *Config) *string { return &c.MQTT.Password }},
	{"HOMESIGNAL_POSTGRES_URL", func(c *Config) *string { return &c.Store.PostgresURL }},
	{"HOMESIGNAL_REDIS_PASSWORD", func(c *Config) *string { return &c.StateCache.Password }},
	{"HOMESIGNAL_TELEGRAM_BOT_TOKEN", func(c *Config) *string { return &c.Telegram.BotToken }},
	{"HOMESIGNAL_API_KEY", func(c *Config) *string { return &c.Web.APIKey }},
}

// loadEnv reads envFile into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadEnv(envFile string) error {
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			*o.dst(c) = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "zigbee2mqtt"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "homesignal"
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "bolt"
	}
	if c.Store.Driver == "bolt" && c.Store.Path == "" {
		c.Store.Path = "homesignal.db"
	}
	if c.StateCache.Driver == "" {
		c.StateCache.Driver = "memory"
	}
	if c.Automation.CommandRetries == nil {
		retries := 2
		c.Automation.CommandRetries = &retries
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
