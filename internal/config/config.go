package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Reassignment match scopes for the contact-sheet bulk path.
const (
	MatchScopeForm = "form"
	MatchScopeAny  = "any"
)

// Config models fieldline.yml.
type Config struct {
	Server struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Matching struct {
		// ReassignScope bounds the (name, phone) match in bulk coordinator
		// reassignment: "form" matches only leads under the target form,
		// "any" matches across every form the acting admin can see.
		ReassignScope string `yaml:"reassign_scope"`
	} `yaml:"matching"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	ScopeKeys      []string `yaml:"scope_keys"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Matching.ReassignScope {
	case MatchScopeForm, MatchScopeAny:
	default:
		return fmt.Errorf("config.matching.reassign_scope must be %q or %q", MatchScopeForm, MatchScopeAny)
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldline.yml")
}

// Load reads and validates config from the workspace, falling back to the
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	cfg.Server.BasePath = "/v0"
	cfg.Matching.ReassignScope = MatchScopeForm
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Matching.ReassignScope == "" {
		cfg.Matching.ReassignScope = MatchScopeForm
	}
	if cfg.Server.BasePath == "" {
		cfg.Server.BasePath = "/v0"
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  base_path: /v0

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false

matching:
  # Scope for (name, phone) matching in bulk coordinator reassignment:
  # "form" matches only within the target form, "any" across all visible forms.
  reassign_scope: form

webhooks: []
`
