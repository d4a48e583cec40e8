package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	ini "gopkg.in/ini.v1"

	"github.com/netresearch/fleetcron/cli"
)

var version string
var build string

func main() {
	// Pre-parse the log level so early boot messages respect it.
	var pre struct {
		LogLevel   string `long:"log-level"`
		ConfigFile string `long:"config" default:"/etc/fleetcron/config.ini"`
	}
	osArgs := os.Args[1:]
	preParser := flags.NewParser(&pre, flags.IgnoreUnknown)
	_, _ = preParser.ParseArgs(osArgs)

	if pre.LogLevel == "" {
		if cfg, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, pre.ConfigFile); err == nil {
			if sec, err := cfg.GetSection("daemon"); err == nil {
				pre.LogLevel = sec.Key("log-level").String()
			}
		}
	}

	logger := cli.BuildLogger(pre.LogLevel)

	parser := flags.NewNamedParser("fleetcron", flags.Default)
	parser.AddCommand("daemon", "run the scheduler daemon", "",
		&cli.DaemonCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})
	parser.AddCommand("validate", "validate the config file and an optional seed", "",
		&cli.ValidateCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})
	parser.AddCommand("migrate", "apply database migrations", "",
		&cli.MigrateCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})
	parser.AddCommand("import", "import a fleet seed", "",
		&cli.ImportCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})
	parser.AddCommand("credential", "store a credential", "",
		&cli.CredentialCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})
	parser.AddCommand("run", "run a job template once", "",
		&cli.RunCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})
	parser.AddCommand("test-channel", "send a test notification", "",
		&cli.TestChannelCommand{Logger: logger, LogLevel: pre.LogLevel, ConfigFile: pre.ConfigFile})

	if _, err := parser.ParseArgs(osArgs); err != nil {
		if flagErr, ok := err.(*flags.Error); ok {
			if flagErr.Type == flags.ErrHelp {
				return
			}
			parser.WriteHelp(os.Stdout)
			fmt.Printf("\nBuild information\n  commit: %s\n  date: %s\n", version, build)
		}
		os.Exit(1)
	}
}
