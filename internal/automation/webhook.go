package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"homesignal/internal/store"
)

// WebhookConfig tunes the webhook HTTP client.
type WebhookConfig struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

type webhookClient struct {
	client *retryablehttp.Client
}

func newWebhookClient(cfg WebhookConfig, logger *slog.Logger) *webhookClient {
	c := retryablehttp.NewClient()
	c.Logger = logger.With("component", "webhook")
	c.RetryMax = cfg.RetryMax
	// Surface the final response instead of a generic "giving up" error.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.RetryWaitMin > 0 {
		c.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		c.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		c.HTTPClient.Timeout = cfg.Timeout
	}
	return &webhookClient{client: c}
}

// call performs the webhook and returns the response status. Network
// failures and non-2xx responses are errors.
func (w *webhookClient) call(ctx context.Context, a store.Action, data templateData) (int, error) {
	if a.URL == "" {
		return 0, errors.New("webhook needs url")
	}
	method := strings.ToUpper(a.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body any
	switch {
	case a.Body != "":
		s, err := render(a.Body, data)
		if err != nil {
			return 0, err
		}
		body = []byte(s)
	case method != http.MethodGet && method != http.MethodHead:
		b, err := json.Marshal(map[string]any{
			"rule_id":   data.Rule.ID,
			"rule_name": data.Rule.Name,
			"fact":      data.Fact,
			"timestamp": data.Now,
		})
		if err != nil {
			return 0, err
		}
		body = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return 0, fmt.Errorf("webhook request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook %s %s: %w", method, a.URL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook %s %s: status %d", method, a.URL, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
