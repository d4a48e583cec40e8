package cli

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
	"github.com/netresearch/fleetcron/store"
)

// MigrateCommand applies pending schema migrations, or prints their status.
type MigrateCommand struct {
	ConfigFile string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	Status     bool   `long:"status" description:"print migration status instead of applying"`
	LogLevel   string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level"`

	Logger *logrus.Logger
}

func (c *MigrateCommand) Execute(_ []string) error {
	ApplyLogLevel(c.LogLevel)

	cfg, err := config.Load(c.ConfigFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	sqlStore, err := store.Open(ctx, cfg.Daemon.DatabaseURL)
	if err != nil {
		return err
	}
	defer sqlStore.Close()

	if c.Status {
		return store.MigrationStatus(ctx, sqlStore.DB())
	}
	if err := store.Migrate(ctx, sqlStore.DB()); err != nil {
		return err
	}
	c.Logger.Info("migrations applied")
	return nil
}
