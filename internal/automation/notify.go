package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Notifier delivers a human readable message.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, message string) error {
	n.logger.Info("notification", "msg", message)
	return nil
}

// TelegramConfig holds the bot token and the chats to notify.
type TelegramConfig struct {
	BotToken string   `yaml:"bot_token"`
	ChatIDs  []string `yaml:"chat_ids"`
	// BaseURL overrides the Bot API endpoint.
	BaseURL string `yaml:"base_url"`
	// RetryMax is the number of retries after a failed send. Nil keeps the
	// client default.
	RetryMax *int `yaml:"retry_max"`
}

// TelegramNotifier sends notifications through the Telegram Bot API.
// Connection errors, 429 and 5xx responses are retried with backoff.
type TelegramNotifier struct {
	cfg    TelegramConfig
	client *retryablehttp.Client
	logger *slog.Logger
}

func NewTelegramNotifier(cfg TelegramConfig, logger *slog.Logger) *TelegramNotifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	logger = logger.With("component", "telegram")

	c := retryablehttp.NewClient()
	// The request URL carries the bot token; failures are logged by Notify.
	c.Logger = nil
	if cfg.RetryMax != nil {
		c.RetryMax = *cfg.RetryMax
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.HTTPClient.Timeout = 10 * time.Second

	return &TelegramNotifier{cfg: cfg, client: c, logger: logger}
}

// Notify sends message to every configured chat. Chats are tried
// independently; the joined error reports the ones that failed.
func (t *TelegramNotifier) Notify(ctx context.Context, message string) error {
	if t.cfg.BotToken == "" {
		return errors.New("telegram: bot_token not configured")
	}
	if len(t.cfg.ChatIDs) == 0 {
		return errors.New("telegram: no chat_ids configured")
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)
	var errs []error
	for _, cid := range t.cfg.ChatIDs {
		if err := t.send(ctx, url, cid, message); err != nil {
			t.logger.Error("telegram send", "chat_id", cid, "err", err)
			errs = append(errs, fmt.Errorf("chat %s: %w", cid, err))
		}
	}
	return errors.Join(errs...)
}

func (t *TelegramNotifier) send(ctx context.Context, url, chatID, text string) error {
	body, err := json.Marshal(struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}{chatID, text})
	if err != nil {
		return err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
