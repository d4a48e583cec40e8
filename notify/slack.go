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

type slackConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color string `json:"color,omitempty"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// SlackTransport posts messages to a Slack incoming webhook.
type SlackTransport struct {
	Client *http.Client
}

func NewSlackTransport(timeout time.Duration) *SlackTransport {
	return &SlackTransport{Client: newHTTPClient(timeout)}
}

func (t *SlackTransport) Type() string { return core.ChannelSlack }

func (t *SlackTransport) Send(ctx context.Context, ch *core.NotificationChannel, msg *Message) error {
	var cfg slackConfig
	if err := decodeChannelConfig(ch, &cfg); err != nil {
		return err
	}
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("channel %q: slack webhook url is invalid", ch.Name)
	}

	color := "#7CD197"
	if msg.Priority >= 4 {
		color = "#F35A00"
	}
	payload, err := json.Marshal(slackMessage{
		Text: msg.Title,
		Attachments: []slackAttachment{
			{Color: color, Text: msg.Body},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}
