package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
	"github.com/netresearch/fleetcron/store"
)

// ImportCommand loads a YAML fleet seed into the database.
type ImportCommand struct {
	ConfigFile string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	SeedFile   string `long:"seed" short:"s" description:"seed file to import" required:"true"`
	LogLevel   string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level"`

	Logger *logrus.Logger
}

func (c *ImportCommand) Execute(_ []string) error {
	ApplyLogLevel(c.LogLevel)

	seed, err := LoadSeed(c.SeedFile)
	if err != nil {
		return err
	}
	if problems := seed.Lint(); len(problems) > 0 {
		for _, p := range problems {
			c.Logger.Errorf("seed: %s", p)
		}
		return fmt.Errorf("seed %s has %d problems", c.SeedFile, len(problems))
	}

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

	if err := store.Migrate(ctx, sqlStore.DB()); err != nil {
		return err
	}
	if err := seed.Apply(ctx, sqlStore); err != nil {
		return fmt.Errorf("import %s: %w", c.SeedFile, err)
	}

	c.Logger.Infof("imported %s: %d job types, %d command templates, %d servers, %d job templates, %d schedules",
		c.SeedFile, len(seed.JobTypes), len(seed.CommandTemplates),
		len(seed.Servers), len(seed.JobTemplates), len(seed.Schedules))
	return nil
}
