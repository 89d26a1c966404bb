package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models kiln.yml.
type Config struct {
	Instance struct {
		Name       string `yaml:"name"`
		RepoBase   string `yaml:"repo_base"`
		StorageDir string `yaml:"storage_dir"`
	} `yaml:"instance"`
	Chroots struct {
		// Days a disabled chroot's backend data survives before it
		// becomes purge eligible.
		GraceDays int `yaml:"grace_days"`
	} `yaml:"chroots"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		BackendToken string `yaml:"backend_token"`
	} `yaml:"auth"`
	Backend struct {
		// Optional push URL for new actions; the backend poll queue
		// stays authoritative either way.
		ForwardURL     string `yaml:"forward_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"backend"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with kiln config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Instance.Name == "" {
		return fmt.Errorf("config.instance.name is required")
	}
	if c.Chroots.GraceDays <= 0 {
		return fmt.Errorf("config.chroots.grace_days must be positive")
	}
	if c.Backend.ForwardURL != "" && c.Backend.TimeoutSeconds < 0 {
		return fmt.Errorf("config.backend.timeout_seconds must not be negative")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "kiln.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
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

const defaultTemplate = `instance:
  name: kiln
  repo_base: http://localhost:5002/results
  storage_dir: /var/lib/kiln/storage

chroots:
  grace_days: 7

auth:
  jwt_secret: ""
  backend_token: ""

backend:
  forward_url: ""
  timeout_seconds: 5
`
