package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/netresearch/fleetcron/core"
)

// ErrUnsupportedChannel is returned when a channel's type has no registered
// transport (reserved types, or transports disabled at build time).
var ErrUnsupportedChannel = errors.New("unsupported notification channel type")

// DefaultSendTimeout bounds one delivery attempt.
const DefaultSendTimeout = 10 * time.Second

// Action is a message action button; always empty for now, carried for wire
// compatibility with the push services.
type Action struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Message is the rendered notification handed to a transport.
type Message struct {
	Title    string
	Body     string
	Priority int
	Actions  []Action
}

// Transport delivers messages for one channel type. Implementations decode
// the channel's type-specific config themselves and must honor the context
// deadline.
type Transport interface {
	Type() string
	Send(ctx context.Context, channel *core.NotificationChannel, msg *Message) error
}

// decodeChannelConfig maps a channel's JSON config onto a typed struct.
// Weak typing tolerates numbers arriving as strings from hand-edited seeds.
func decodeChannelConfig(ch *core.NotificationChannel, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(ch.Config); err != nil {
		return fmt.Errorf("channel %q config: %w", ch.Name, err)
	}
	return nil
}

// checkResponse drains and validates an HTTP transport response.
func checkResponse(resp *http.Response) error {
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &http.Client{Timeout: timeout}
}
