package config

import (
	"fmt"
	"time"

	defaults "github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	ini "gopkg.in/ini.v1"
)

// Config is the daemon configuration, loaded from an INI file. Every value
// has a usable default except the database URL.
type Config struct {
	Daemon struct {
		DatabaseURL       string `mapstructure:"database-url" validate:"required_without=MemoryStore"`
		MemoryStore       bool   `mapstructure:"memory-store" default:"false"`
		MaxConcurrentJobs int    `mapstructure:"max-concurrent-jobs" default:"5" validate:"min=1"`
		SchedulerTick     int    `mapstructure:"scheduler-tick-seconds" default:"30" validate:"min=1"`
		StopTimeout       int    `mapstructure:"stop-timeout-seconds" default:"30" validate:"min=1"`
		LogLevel          string `mapstructure:"log-level" default:"info" validate:"oneof=debug info warning error"`
		MetricsAddress    string `mapstructure:"metrics-address" default:""`
	} `mapstructure:"daemon"`

	Execution struct {
		DefaultTimeout   int    `mapstructure:"default-command-timeout-seconds" default:"300" validate:"min=1"`
		TimeoutBuffer    int    `mapstructure:"timeout-buffer-seconds" default:"5" validate:"min=0"`
		RetryDelay       int    `mapstructure:"retry-default-delay-seconds" default:"60" validate:"min=1"`
		OutputMaxBytes   int    `mapstructure:"output-capture-max-bytes" default:"1048576" validate:"min=1024"`
		SSHKeyPath       string `mapstructure:"ssh-key-path" default:""`
		KnownHostsFile   string `mapstructure:"known-hosts-file" default:""`
		SSHDialTimeoutMs int    `mapstructure:"ssh-dial-timeout-ms" default:"10000" validate:"min=100"`
	} `mapstructure:"execution"`

	Notify struct {
		SendTimeout int `mapstructure:"transport-timeout-seconds" default:"10" validate:"min=1"`
	} `mapstructure:"notify"`
}

func New() *Config {
	c := &Config{}
	defaults.MustSet(c)
	return c
}

// Load reads and validates an INI config file.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return parse(file)
}

// LoadFromString parses config from a literal, used by tests.
func LoadFromString(raw string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true, InsensitiveKeys: true}, []byte(raw))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return parse(file)
}

func parse(file *ini.File) (*Config, error) {
	c := New()
	sections := map[string]any{}
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		sections[section.Name()] = sectionToMap(section)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(sections); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func sectionToMap(section *ini.Section) map[string]any {
	m := make(map[string]any, len(section.Keys()))
	for _, key := range section.Keys() {
		m[key.Name()] = key.Value()
	}
	return m
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) SchedulerTickDuration() time.Duration {
	return time.Duration(c.Daemon.SchedulerTick) * time.Second
}

func (c *Config) StopTimeoutDuration() time.Duration {
	return time.Duration(c.Daemon.StopTimeout) * time.Second
}

func (c *Config) DefaultTimeoutDuration() time.Duration {
	return time.Duration(c.Execution.DefaultTimeout) * time.Second
}

func (c *Config) TimeoutBufferDuration() time.Duration {
	return time.Duration(c.Execution.TimeoutBuffer) * time.Second
}

func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.Execution.RetryDelay) * time.Second
}

func (c *Config) SSHDialTimeout() time.Duration {
	return time.Duration(c.Execution.SSHDialTimeoutMs) * time.Millisecond
}

func (c *Config) NotifySendTimeout() time.Duration {
	return time.Duration(c.Notify.SendTimeout) * time.Second
}
