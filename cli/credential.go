package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/sirupsen/logrus"

	"github.com/netresearch/fleetcron/config"
	"github.com/netresearch/fleetcron/core"
	"github.com/netresearch/fleetcron/store"
)

// CredentialCommand stores a named credential, prompting for the secret so
// it never lands in shell history.
type CredentialCommand struct {
	ConfigFile string `long:"config" env:"FLEETCRON_CONFIG" description:"configuration file" default:"/etc/fleetcron/config.ini"`
	Name       string `long:"name" short:"n" description:"credential name" required:"true"`
	Type       string `long:"type" short:"t" description:"credential type" choice:"ssh-key" choice:"password" choice:"api-token" default:"password"`
	KeyFile    string `long:"key-file" description:"private key file (ssh-key type reads the secret from here)"`
	LogLevel   string `long:"log-level" env:"FLEETCRON_LOG_LEVEL" description:"Set log level"`

	Logger *logrus.Logger
}

func (c *CredentialCommand) Execute(_ []string) error {
	ApplyLogLevel(c.LogLevel)

	value, err := c.readSecret()
	if err != nil {
		return err
	}

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

	cred := &core.Credential{Name: c.Name, Type: c.Type, Value: value}
	if err := sqlStore.InsertCredential(ctx, cred); err != nil {
		return fmt.Errorf("store credential %q: %w", c.Name, err)
	}
	c.Logger.Infof("credential %q (%s) stored with id %d", cred.Name, cred.Type, cred.ID)
	return nil
}

func (c *CredentialCommand) readSecret() (string, error) {
	if c.Type == core.CredentialSSHKey {
		if c.KeyFile == "" {
			// ssh-key credentials hold a path, not the key material.
			prompt := promptui.Prompt{
				Label: "Private key path",
				Validate: func(input string) error {
					if input == "" {
						return fmt.Errorf("path must not be empty")
					}
					if _, err := os.Stat(input); err != nil {
						return fmt.Errorf("cannot read %s", input)
					}
					return nil
				},
			}
			return prompt.Run()
		}
		if _, err := os.Stat(c.KeyFile); err != nil {
			return "", fmt.Errorf("key file %s: %w", c.KeyFile, err)
		}
		return c.KeyFile, nil
	}

	prompt := promptui.Prompt{
		Label: "Secret",
		Mask:  '*',
		Validate: func(input string) error {
			if input == "" {
				return fmt.Errorf("secret must not be empty")
			}
			return nil
		},
	}
	secret, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("secret prompt failed: %w", err)
	}

	confirm := promptui.Prompt{Label: "Confirm secret", Mask: '*'}
	again, err := confirm.Run()
	if err != nil {
		return "", fmt.Errorf("confirmation prompt failed: %w", err)
	}
	if secret != again {
		return "", fmt.Errorf("secrets do not match")
	}
	return secret, nil
}
