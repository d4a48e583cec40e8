package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
	"github.com/netresearch/fleetcron/notify"
	"github.com/netresearch/fleetcron/store"
)

// TestChannelCommand sends a probe message through one notification channel
// and records the outcome on the channel row.
type TestChannelCommand struct {
	ConfigFile string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	ChannelID  int64  `long:"channel" short:"c" description:"notification channel id" required:"true"`
	LogLevel   string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level"`

	Logger *logrus.Logger
}

func (c *TestChannelCommand) Execute(_ []string) error {
	ApplyLogLevel(c.LogLevel)

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sqlStore, err := store.Open(ctx, cfg.Daemon.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlStore.Close()

	notifier := notify.NewNotifier(sqlStore, NewSlogLogger(c.Logger))
	notifier.SetSendTimeout(cfg.NotifySendTimeout())
	notifier.RegisterTransport(notify.NewGotifyTransport(cfg.NotifySendTimeout()))
	notifier.RegisterTransport(notify.NewNtfyTransport(cfg.NotifySendTimeout()))
	notifier.RegisterTransport(notify.NewSlackTransport(cfg.NotifySendTimeout()))
	notifier.RegisterTransport(notify.NewWebhookTransport(cfg.NotifySendTimeout()))
	notifier.RegisterTransport(notify.NewEmailTransport())

	if err := notifier.SendTest(ctx, c.ChannelID); err != nil {
		return fmt.Errorf("channel %d test failed: %w", c.ChannelID, err)
	}
	c.Logger.Infof("channel %d test delivered", c.ChannelID)
	return nil
}
