package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models jobline.yml.
type Config struct {
	Platform struct {
		ID     string `yaml:"id"`
		Domain string `yaml:"domain"`
	} `yaml:"platform"`
	Commission struct {
		RateBasisPoints int64 `yaml:"rate_bps"`
		Minimum         int64 `yaml:"minimum"`
	} `yaml:"commission"`
	Dispute struct {
		ArbiterID string `yaml:"arbiter_id"`
	} `yaml:"dispute"`
	Settlement struct {
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"settlement"`
	Rewards struct {
		Endpoint       string `yaml:"endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"rewards"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with jl config init", path)
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

// Validate ensures the config meets required structure. Malformed commission
// configuration is a startup error, never a runtime one.
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return fmt.Errorf("config.platform.id is required")
	}
	if c.Platform.Domain == "" {
		return fmt.Errorf("config.platform.domain is required")
	}
	if c.Commission.RateBasisPoints < 0 || c.Commission.RateBasisPoints > 10000 {
		return fmt.Errorf("config.commission.rate_bps must be within [0,10000], got %d", c.Commission.RateBasisPoints)
	}
	if c.Commission.Minimum < 0 {
		return fmt.Errorf("config.commission.minimum must be >= 0, got %d", c.Commission.Minimum)
	}
	if c.Settlement.TimeoutSeconds < 0 {
		return fmt.Errorf("config.settlement.timeout_seconds must be >= 0")
	}
	if c.Rewards.TimeoutSeconds < 0 {
		return fmt.Errorf("config.rewards.timeout_seconds must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobline.yml")
}

// Default returns the default Config struct for a platform id.
func Default(platformID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, platformID)), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(platformID string) string {
	return fmt.Sprintf(defaultTemplate, platformID)
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

const defaultTemplate = `platform:
  id: %s
  domain: hub

commission:
  rate_bps: 100
  minimum: 1

dispute:
  arbiter_id: dispute-oracle

settlement:
  endpoint: ""
  timeout_seconds: 5

rewards:
  endpoint: ""
  timeout_seconds: 5
`
