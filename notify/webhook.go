package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/netresearch/fleetcron/core"
)

type webhookConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
}

type webhookPayload struct {
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	Priority int      `json:"priority"`
	Actions  []Action `json:"actions"`
}

// WebhookTransport delivers messages as a JSON POST to an arbitrary URL.
type WebhookTransport struct {
	Client *http.Client
}

func NewWebhookTransport(timeout time.Duration) *WebhookTransport {
	return &WebhookTransport{Client: newHTTPClient(timeout)}
}

func (t *WebhookTransport) Type() string { return core.ChannelWebhook }

func (t *WebhookTransport) Send(ctx context.Context, ch *core.NotificationChannel, msg *Message) error {
	var cfg webhookConfig
	if err := decodeChannelConfig(ch, &cfg); err != nil {
		return err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("channel %q: webhook url is invalid", ch.Name)
	}

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	actions := msg.Actions
	if actions == nil {
		actions = []Action{}
	}
	payload, err := json.Marshal(webhookPayload{
		Title:    msg.Title,
		Body:     msg.Body,
		Priority: msg.Priority,
		Actions:  actions,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	return nil
}
