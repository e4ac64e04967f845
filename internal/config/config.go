package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "pps.yml"

// Config models pps.yml.
type Config struct {
	Planning struct {
		UrgentHorizonDays int    `yaml:"urgent_horizon_days"`
		DefaultPriority   int    `yaml:"default_priority"`
		Timezone          string `yaml:"timezone"`
		DetectOnSync      *bool  `yaml:"detect_on_sync"`
	} `yaml:"planning"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// UrgentHorizon is the near-term window used by group urgency.
func (c *Config) UrgentHorizon() time.Duration {
	days := c.Planning.UrgentHorizonDays
	if days <= 0 {
		days = 3
	}
	return time.Duration(days) * 24 * time.Hour
}

// DetectOnSync defaults to true when unset.
func (c *Config) DetectOnSync() bool {
	return c.Planning.DetectOnSync == nil || *c.Planning.DetectOnSync
}

// Location resolves planning.timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if c.Planning.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Planning.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Planning.UrgentHorizonDays < 0 {
		return fmt.Errorf("config.planning.urgent_horizon_days must be >= 0")
	}
	if c.Planning.DefaultPriority < 0 {
		return fmt.Errorf("config.planning.default_priority must be >= 0")
	}
	if c.Planning.Timezone != "" {
		if _, err := time.LoadLocation(c.Planning.Timezone); err != nil {
			return fmt.Errorf("config.planning.timezone: %w", err)
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug|info|warn|error", c.Log.Level)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("config.webhooks[%d] has empty event type", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pps config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the parsed default template.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Write stores cfg as pps.yml in the workspace.
func Write(workspace string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0o644)
}

const defaultTemplate = `planning:
  urgent_horizon_days: 3
  default_priority: 100
  timezone: UTC
  detect_on_sync: true

server:
  addr: 127.0.0.1:8080
  base_path: /v1

log:
  level: info

webhooks: []
`
