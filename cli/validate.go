package cli

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
)

// ValidateCommand checks the config file and, optionally, a fleet seed
// without touching the database.
type ValidateCommand struct {
	ConfigFile string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	SeedFile   string `long:"seed" short:"s" description:"seed file to validate"`
	LogLevel   string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level"`

	Logger *logrus.Logger
}

func (c *ValidateCommand) Execute(_ []string) error {
	ApplyLogLevel(c.LogLevel)

	c.Logger.Debugf("validating %q", c.ConfigFile)
	if _, err := config.Load(c.ConfigFile); err != nil {
		return err
	}
	c.Logger.Infof("config %s OK", c.ConfigFile)

	if c.SeedFile == "" {
		return nil
	}

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
	c.Logger.Infof("seed %s OK", c.SeedFile)
	return nil
}
