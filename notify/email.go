package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	mail "github.com/go-mail/mail/v2"

	"github.com/netresearch/fleetcron/core"
)

type emailConfig struct {
	SMTPHost      string `mapstructure:"smtp_host"`
	SMTPPort      int    `mapstructure:"smtp_port"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	From          string `mapstructure:"from"`
	To            string `mapstructure:"to"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify"`
}

// EmailTransport delivers messages over SMTP.
type EmailTransport struct{}

func NewEmailTransport() *EmailTransport { return &EmailTransport{} }

func (t *EmailTransport) Type() string { return core.ChannelEmail }

func (t *EmailTransport) Send(ctx context.Context, ch *core.NotificationChannel, msg *Message) error {
	var cfg emailConfig
	if err := decodeChannelConfig(ch, &cfg); err != nil {
		return err
	}
	if cfg.SMTPHost == "" || cfg.From == "" || cfg.To == "" {
		return fmt.Errorf("channel %q: email config requires smtp_host, from and to", ch.Name)
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}

	m := mail.NewMessage()
	m.SetHeader("From", cfg.From)
	m.SetHeader("To", strings.Split(cfg.To, ",")...)
	m.SetHeader("Subject", msg.Title)
	m.SetBody("text/plain", msg.Body)

	d := mail.NewDialer(cfg.SMTPHost, port, cfg.Username, cfg.Password)
	if cfg.TLSSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in for self-signed relays
	}

	// go-mail has no context support; honor cancellation around the dial.
	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email send: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("email send: %w", ctx.Err())
	}
}
