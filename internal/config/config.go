package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for the sync agent.
type Config struct {
	// Relay endpoint. The realtime channel derives its ws(s) URL from this.
	RelayURL string `env:"SYNCFLOW_RELAY_URL" envDefault:"https://api.syncflow.app"`

	// Account credentials, used only when no session is stored yet.
	Email    string `env:"SYNCFLOW_EMAIL"`
	Password string `env:"SYNCFLOW_PASSWORD"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"SYNCFLOW_DEVICE_NAME"`

	// End-to-end message encryption.
	EncryptionEnabled    bool   `env:"SYNCFLOW_E2E" envDefault:"true"`
	EncryptionPassphrase string `env:"SYNCFLOW_E2E_PASSPHRASE"`

	// Spool directory watched for outbound attachment/clipboard drops.
	// Empty disables the outbox watcher.
	SpoolDir string `env:"SYNCFLOW_SPOOL_DIR"`

	// Realtime channels subscribed on connect. The persisted set in the
	// store wins once populated; this seeds the first run.
	Channels []string `env:"SYNCFLOW_CHANNELS" envSeparator:"," envDefault:"messages,contacts,calls,devices,outgoing"`

	// Interval in seconds for the call-command fallback poll.
	CallPollSeconds int `env:"SYNCFLOW_CALL_POLL_SECONDS" envDefault:"15"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Optional YAML config file overlaid on top of env values.
	ConfigFile string `env:"SYNCFLOW_CONFIG"`
}

// fileConfig is the subset of settings accepted from the YAML file.
// Credentials are deliberately excluded; they belong in the environment
// or the secured store, never in a config file.
type fileConfig struct {
	RelayURL   string   `yaml:"relay_url"`
	DeviceName string   `yaml:"device_name"`
	SpoolDir   string   `yaml:"spool_dir"`
	Channels   []string `yaml:"channels"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables, overlaying the
// optional YAML config file when SYNCFLOW_CONFIG points at one.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "syncflow"
		}

		cfg.DeviceName = hostname
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SpoolDir to an absolute path at startup so watcher event
	// paths compare cleanly against it.
	if cfg.SpoolDir != "" {
		absDir, err := filepath.Abs(cfg.SpoolDir)
		if err != nil {
			return nil, fmt.Errorf("resolving spool dir to absolute path: %w", err)
		}

		cfg.SpoolDir = absDir
	}

	return cfg, nil
}

// applyFile overlays the YAML config file on top of env-derived values.
// File values win only where set; empty fields leave env values intact.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.RelayURL != "" {
		c.RelayURL = fc.RelayURL
	}

	if fc.DeviceName != "" {
		c.DeviceName = fc.DeviceName
	}

	if fc.SpoolDir != "" {
		c.SpoolDir = fc.SpoolDir
	}

	if len(fc.Channels) > 0 {
		c.Channels = fc.Channels
	}

	return nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.RelayURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SYNCFLOW_RELAY_URL must be an absolute URL: %q", c.RelayURL)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("SYNCFLOW_RELAY_URL must use http or https, got %q", u.Scheme)
	}

	if c.EncryptionEnabled && c.EncryptionPassphrase == "" {
		return fmt.Errorf("SYNCFLOW_E2E_PASSPHRASE is required when SYNCFLOW_E2E is enabled")
	}

	if c.CallPollSeconds <= 0 {
		return fmt.Errorf("SYNCFLOW_CALL_POLL_SECONDS must be positive")
	}

	for _, ch := range c.Channels {
		if strings.TrimSpace(ch) == "" {
			return fmt.Errorf("SYNCFLOW_CHANNELS contains an empty channel name")
		}
	}

	return nil
}

// RealtimeURL returns the ws(s) endpoint derived from the relay URL.
func (c *Config) RealtimeURL() string {
	u, _ := url.Parse(c.RelayURL)
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	u.Path = "/v1/realtime"

	return u.String()
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
