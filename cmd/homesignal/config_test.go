package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  broker: tcp://localhost:1883\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"topic prefix", cfg.MQTT.TopicPrefix, "zigbee2mqtt"},
		{"client id", cfg.MQTT.ClientID, "homesignal"},
		{"connect timeout", cfg.MQTT.ConnectTimeout, 10 * time.Second},
		{"listen", cfg.Web.Listen, "127.0.0.1:8080"},
		{"store driver", cfg.Store.Driver, "bolt"},
		{"store path", cfg.Store.Path, "homesignal.db"},
		{"state cache", cfg.StateCache.Driver, "memory"},
		{"command retries", *cfg.Automation.CommandRetries, 2},
		{"log level", cfg.Log.Level, "info"},
		{"log format", cfg.Log.Format, "text"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoadConfigAutomation(t *testing.T) {
	body := `
mqtt:
  broker: tcp://broker:1883
automation:
  timezone: Europe/Berlin
  latitude: 52.52
  longitude: 13.405
  all_trigger_window: 45s
  command_retries: 0
  webhook:
    timeout: 3s
    retry_max: 1
  scenes:
    movie:
      - device_id: living_lamp
        properties: {state: "ON", brightness: 40}
      - device_id: tv_backlight
        properties: {state: "OFF"}
`
	cfg, err := loadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	ec := cfg.engineConfig()
	if ec.Location == nil || ec.Location.String() != "Europe/Berlin" {
		t.Errorf("location = %v", ec.Location)
	}
	if ec.AllTriggerWindow != 45*time.Second {
		t.Errorf("all trigger window = %v", ec.AllTriggerWindow)
	}
	if ec.CommandRetries != 0 {
		t.Errorf("explicit zero retries became %d", ec.CommandRetries)
	}
	if ec.Webhook.Timeout != 3*time.Second || ec.Webhook.RetryMax != 1 {
		t.Errorf("webhook = %+v", ec.Webhook)
	}
	movie := ec.Scenes["movie"]
	if len(movie) != 2 || movie[0].DeviceID != "living_lamp" || movie[0].Properties["brightness"] != 40 {
		t.Errorf("scene = %+v", movie)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing broker", "log:\n  level: debug\n", "mqtt.broker is required"},
		{"bad store driver", "mqtt: {broker: x}\nstore: {driver: sqlite}\n", "store.driver must be bolt or postgres"},
		{"postgres without url", "mqtt: {broker: x}\nstore: {driver: postgres}\n", "store.postgres_url"},
		{"redis without addr", "mqtt: {broker: x}\nstate_cache: {driver: redis}\n", "state_cache.addr is required"},
		{"bad timezone", "mqtt: {broker: x}\nautomation: {timezone: Mars/Olympus}\n", "automation.timezone"},
		{"bad latitude", "mqtt: {broker: x}\nautomation: {latitude: 91}\n", "automation.latitude"},
		{"negative retries", "mqtt: {broker: x}\nautomation: {command_retries: -1}\n", "command_retries must not be negative"},
		{"scene without device", "mqtt: {broker: x}\nautomation: {scenes: {night: [{properties: {state: \"OFF\"}}]}}\n", "automation.scenes.night[0]"},
		{"chats without token", "mqtt: {broker: x}\ntelegram: {chat_ids: [\"1\"]}\n", "telegram.chat_ids"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOMESIGNAL_POSTGRES_URL", "")
			t.Setenv("HOMESIGNAL_TELEGRAM_BOT_TOKEN", "")
			cfg, err := loadConfig(writeConfig(t, tt.body))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("HOMESIGNAL_TELEGRAM_BOT_TOKEN=from-dotenv\nHOMESIGNAL_MQTT_PASSWORD=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	// Already-set variables win over the .env file.
	t.Setenv("HOMESIGNAL_MQTT_PASSWORD", "from-env")
	t.Setenv("HOMESIGNAL_TELEGRAM_BOT_TOKEN", "")
	os.Unsetenv("HOMESIGNAL_TELEGRAM_BOT_TOKEN")
	t.Setenv("HOMESIGNAL_POSTGRES_URL", "postgres://db/homesignal")

	if err := loadEnv(envFile); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(writeConfig(t, "mqtt:\n  broker: x\n  password: from-yaml\nstore:\n  driver: postgres\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MQTT.Password != "from-env" {
		t.Errorf("mqtt password = %q", cfg.MQTT.Password)
	}
	if cfg.Telegram.BotToken != "from-dotenv" {
		t.Errorf("telegram token = %q", cfg.Telegram.BotToken)
	}
	if cfg.Store.PostgresURL != "postgres://db/homesignal" {
		t.Errorf("postgres url = %q", cfg.Store.PostgresURL)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := loadEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("missing .env: %v", err)
	}
}

func TestApplyEnvIgnoresEmpty(t *testing.T) {
	var cfg Config
	cfg.MQTT.Password = "keep"
	cfg.applyEnv(func(name string) (string, bool) {
		if name == "HOMESIGNAL_MQTT_PASSWORD" {
			return "", true
		}
		return "", false
	})
	if cfg.MQTT.Password != "keep" {
		t.Errorf("password = %q", cfg.MQTT.Password)
	}
}
