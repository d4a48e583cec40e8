package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/netresearch/fleetcron/core"
)

type ntfyConfig struct {
	URL      string `mapstructure:"url"`
	Topic    string `mapstructure:"topic"`
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NtfyTransport publishes messages to an ntfy topic.
type NtfyTransport struct {
	Client *http.Client
}

func NewNtfyTransport(timeout time.Duration) *NtfyTransport {
	return &NtfyTransport{Client: newHTTPClient(timeout)}
}

func (t *NtfyTransport) Type() string { return core.ChannelNtfy }

func (t *NtfyTransport) Send(ctx context.Context, ch *core.NotificationChannel, msg *Message) error {
	var cfg ntfyConfig
	if err := decodeChannelConfig(ch, &cfg); err != nil {
		return err
	}
	if cfg.URL == "" || cfg.Topic == "" {
		return fmt.Errorf("channel %q: ntfy config requires url and topic", ch.Name)
	}

	endpoint := strings.TrimRight(cfg.URL, "/") + "/" + cfg.Topic
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("Title", msg.Title)
	// ntfy priorities use the same 1..5 scale as the core.
	req.Header.Set("Priority", strconv.Itoa(msg.Priority))

	switch {
	case cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	case cfg.Username != "":
		req.SetBasicAuth(cfg.Username, cfg.Password)
	}

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy send: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("ntfy send: %w", err)
	}
	return nil
}
