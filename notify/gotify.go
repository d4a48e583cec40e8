package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/netresearch/fleetcron/core"
)

type gotifyConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

type gotifyPayload struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority int    `json:"priority"`
}

// GotifyTransport pushes messages to a Gotify server.
type GotifyTransport struct {
	Client *http.Client
}

func NewGotifyTransport(timeout time.Duration) *GotifyTransport {
	return &GotifyTransport{Client: newHTTPClient(timeout)}
}

func (t *GotifyTransport) Type() string { return core.ChannelGotify }

func (t *GotifyTransport) Send(ctx context.Context, ch *core.NotificationChannel, msg *Message) error {
	var cfg gotifyConfig
	if err := decodeChannelConfig(ch, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" || cfg.Token == "" {
		return fmt.Errorf("channel %q: gotify config requires url and token", ch.Name)
	}

	endpoint := strings.TrimRight(cfg.URL, "/") + "/message?token=" + url.QueryEscape(cfg.Token)
	body, err := json.Marshal(gotifyPayload{
		Title:    msg.Title,
		Message:  msg.Body,
		Priority: msg.Priority,
	})
	if err != nil {
		return fmt.Errorf("marshal gotify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gotify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("gotify send: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("gotify send: %w", err)
	}
	return nil
}
