package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models envline.yml.
type Config struct {
	Drivers struct {
		Dir string `yaml:"dir"`
	} `yaml:"drivers"`
	Storage struct {
		Disk string `yaml:"disk"`
		Dir  string `yaml:"dir"`
	} `yaml:"storage"`
	Tokens struct {
		TTLHours      int    `yaml:"ttl_hours"`
		SessionSecret string `yaml:"session_secret"`
	} `yaml:"tokens"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook forwards audit entries to a host endpoint.
type Webhook struct {
	ID      string   `yaml:"id"`
	URL     string   `yaml:"url"`
	Actions []string `yaml:"actions"`
	Secret  string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with el config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Drivers.Dir == "" {
		return fmt.Errorf("config.drivers.dir is required")
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("config.storage.dir is required")
	}
	if c.Storage.Disk == "" {
		return fmt.Errorf("config.storage.disk is required")
	}
	if c.Storage.Disk != "local" {
		return fmt.Errorf("config.storage.disk %s is not supported", c.Storage.Disk)
	}
	if c.Tokens.TTLHours < 0 {
		return fmt.Errorf("config.tokens.ttl_hours must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.ID == "" {
			return fmt.Errorf("config.webhooks[%d].id is required", i)
		}
		if hook.URL == "" {
			return fmt.Errorf("webhook %s has empty url", hook.ID)
		}
		for _, action := range hook.Actions {
			if action == "" {
				return fmt.Errorf("webhook %s has empty action filter", hook.ID)
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
	return filepath.Join(workspace, "envline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
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

const defaultTemplate = `drivers:
  dir: .envline/drivers

storage:
  disk: local
  dir: .envline/files

tokens:
  # 0 means tokens do not expire unless given an explicit expiry.
  ttl_hours: 168

server:
  jwt_secret: ""

webhooks: []
`
