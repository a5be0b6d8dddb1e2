package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models handoff.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Ask struct {
		PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
		DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
		MaxTimeoutSeconds     int `yaml:"max_timeout_seconds"`
	} `yaml:"ask"`
	Hierarchy struct {
		AutoStartChildren         bool `yaml:"auto_start_children"`
		CancelledCountsAsComplete bool `yaml:"cancelled_counts_as_complete"`
	} `yaml:"hierarchy"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "coordination" {
		return fmt.Errorf("config.project.kind must be 'coordination'")
	}
	if c.Ask.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.ask.poll_interval_seconds must be positive")
	}
	if c.Ask.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("config.ask.default_timeout_seconds must be positive")
	}
	if c.Ask.MaxTimeoutSeconds < c.Ask.DefaultTimeoutSeconds {
		return fmt.Errorf("config.ask.max_timeout_seconds must be >= default_timeout_seconds")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// PollInterval returns the ask poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Ask.PollIntervalSeconds) * time.Second
}

// DefaultTimeout returns the default ask timeout as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Ask.DefaultTimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with hf project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "handoff.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	cfg.Project.ID = projectID
	cfg.Project.Kind = "coordination"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: coordination

ask:
  poll_interval_seconds: 2
  default_timeout_seconds: 600
  max_timeout_seconds: 3600

hierarchy:
  auto_start_children: true
  cancelled_counts_as_complete: true
`
