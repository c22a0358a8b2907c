// Package config is used to load the configuration file
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type storefront struct {
	Country  string        `mapstructure:"country"`
	Proxy    string        `mapstructure:"proxy"`
	Insecure bool          `mapstructure:"insecure"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Retries  int           `mapstructure:"retries"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

type vault struct {
	Dir      string `mapstructure:"dir"`
	Password string `mapstructure:"password"`
	Backend  string `mapstructure:"backend"`
}

type download struct {
	Dir              string        `mapstructure:"dir"`
	Database         string        `mapstructure:"database"`
	Tick             time.Duration `mapstructure:"tick"`
	Timeout          time.Duration `mapstructure:"timeout"`
	InjectSignatures bool          `mapstructure:"inject-signatures"`
}

type installer struct {
	Hostname string        `mapstructure:"hostname"`
	Cert     string        `mapstructure:"cert"`
	Key      string        `mapstructure:"key"`
	Address  string        `mapstructure:"address"`
	MaxConns int           `mapstructure:"max-conns"`
	Lifetime time.Duration `mapstructure:"lifetime"`
}

// Config is the configuration struct
type Config struct {
	Storefront storefront `mapstructure:"storefront"`
	Vault      vault      `mapstructure:"vault"`
	Download   download   `mapstructure:"download"`
	Installer  installer  `mapstructure:"installer"`
}

// Dir returns the default configuration directory.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get user home directory: %v", err)
	}
	return filepath.Join(home, ".config", "ipastore"), nil
}

func (c *Config) verify() error {
	dir, err := Dir()
	if err != nil {
		return err
	}

	if c.Storefront.Country == "" {
		c.Storefront.Country = "US"
	}
	if c.Storefront.Timeout == 0 {
		c.Storefront.Timeout = 30 * time.Second
	}
	if c.Storefront.Retries == 0 {
		c.Storefront.Retries = 3
	}
	if c.Storefront.Backoff == 0 {
		c.Storefront.Backoff = 500 * time.Millisecond
	}

	if c.Vault.Dir == "" {
		c.Vault.Dir = dir
	}

	if c.Download.Dir == "" {
		c.Download.Dir = filepath.Join(dir, "packages")
	}
	if c.Download.Database == "" {
		c.Download.Database = filepath.Join(dir, "ipastore.db")
	}
	if c.Download.Tick == 0 {
		c.Download.Tick = 250 * time.Millisecond
	}
	if c.Download.Timeout == 0 {
		c.Download.Timeout = 30 * time.Second
	}

	if c.Installer.Hostname == "" {
		c.Installer.Hostname = "app.localhost.direct"
	}
	if c.Installer.Address == "" {
		c.Installer.Address = "0.0.0.0"
	}
	if c.Installer.MaxConns == 0 {
		c.Installer.MaxConns = 1
	}
	if c.Installer.Lifetime == 0 {
		c.Installer.Lifetime = 10 * time.Minute
	}
	if (c.Installer.Cert == "") != (c.Installer.Key == "") {
		return fmt.Errorf("config: installer cert and key must be set together")
	}
	if c.Installer.Cert == "" {
		c.Installer.Cert = filepath.Join(dir, "certs", "localhost.direct.crt")
		c.Installer.Key = filepath.Join(dir, "certs", "localhost.direct.pem")
	}

	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}
	if c == nil {
		c = &Config{}
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
