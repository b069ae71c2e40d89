package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models tower.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"service"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		// JWTSecretEnv names an environment variable holding the
		// secret; it wins over jwt_secret when set and non-empty.
		JWTSecretEnv           string              `yaml:"jwt_secret_env"`
		AllowLegacyActorHeader bool                `yaml:"allow_legacy_actor_header"`
		Roles                  map[string]AuthRole `yaml:"roles"`
	} `yaml:"auth"`
	Judge struct {
		// DefaultMaxReplans is applied by the service when an
		// artifact omits max_replans. Unset keeps the artifact's
		// "absent means unbounded" semantics.
		DefaultMaxReplans *int `yaml:"default_max_replans"`
		// AllowRelaxDefault applies only when an artifact does not
		// carry its own allow_relax_soft_constraints flag.
		AllowRelaxDefault *bool `yaml:"allow_relax_default"`
	} `yaml:"judge"`
	Mission  MissionDefaults `yaml:"mission"`
	Webhooks []Webhook       `yaml:"webhooks"`
}

type AuthRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

// MissionDefaults holds fallback success criteria used by the CLI
// when a snapshot is judged without explicit criteria.
type MissionDefaults struct {
	TargetLeads       *int     `yaml:"target_leads"`
	MaxCostGBP        *float64 `yaml:"max_cost_gbp"`
	MaxCostPerLeadGBP *float64 `yaml:"max_cost_per_lead_gbp"`
	MinQualityScore   *float64 `yaml:"min_quality_score"`
	MaxFailures       *int     `yaml:"max_failures"`
	StallWindowMin    *int     `yaml:"stall_window_minutes"`
	StallMinDelta     *int     `yaml:"stall_min_delta_leads"`
}

// Webhook is one event subscriber. An empty Kinds list forwards every
// event kind.
type Webhook struct {
	URL            string   `yaml:"url"`
	Kinds          []string `yaml:"kinds"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with tower config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("config.service.name is required")
	}
	if c.Service.BasePath != "" && !strings.HasPrefix(c.Service.BasePath, "/") {
		return fmt.Errorf("config.service.base_path must start with /")
	}
	if len(c.Auth.Roles) > 0 {
		if _, ok := c.Auth.Roles["admin"]; !ok {
			return fmt.Errorf("config.auth.roles must include admin")
		}
		for roleID, role := range c.Auth.Roles {
			if roleID == "" {
				return fmt.Errorf("config.auth.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	if c.Judge.DefaultMaxReplans != nil && *c.Judge.DefaultMaxReplans < 0 {
		return fmt.Errorf("config.judge.default_max_replans must not be negative")
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if _, err := url.ParseRequestURI(wh.URL); err != nil {
			return fmt.Errorf("webhook %d url: %w", i, err)
		}
		if wh.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ListenAddr returns the configured bind address or the default.
func (c *Config) ListenAddr() string {
	if c.Service.Listen == "" {
		return "127.0.0.1:8700"
	}
	return c.Service.Listen
}

// BasePath returns the configured API base path or the default.
func (c *Config) BasePath() string {
	if c.Service.BasePath == "" {
		return "/v0"
	}
	return c.Service.BasePath
}

// JWTSecretValue resolves the JWT secret, preferring the environment
// indirection when configured.
func (c *Config) JWTSecretValue() string {
	if c.Auth.JWTSecretEnv != "" {
		if v := os.Getenv(c.Auth.JWTSecretEnv); v != "" {
			return v
		}
	}
	return c.Auth.JWTSecret
}

// AllowRelax resolves the service-level default for relaxing soft
// constraints. Unset means allowed.
func (c *Config) AllowRelax() bool {
	return c.Judge.AllowRelaxDefault == nil || *c.Judge.AllowRelaxDefault
}

// RolePermissions expands a role to its configured permission set.
func (c *Config) RolePermissions(role string) []string {
	if r, ok := c.Auth.Roles[role]; ok {
		return r.Permissions
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tower.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(serviceName string) string {
	return fmt.Sprintf(defaultTemplate, serviceName)
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

// Default returns the default Config struct for a service name.
func Default(serviceName string) *Config {
	var cfg Config
	cfg.Service.Name = serviceName
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, serviceName))).Decode(&cfg)
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

const defaultTemplate = `service:
  name: %s
  listen: 127.0.0.1:8700
  base_path: /v0

auth:
  jwt_secret: ""
  jwt_secret_env: TOWER_JWT_SECRET
  allow_legacy_actor_header: false
  roles:
    admin:
      description: "Full control, including key management"
      permissions:
        - verdicts.read
        - verdicts.write
        - runs.read
        - runs.write
        - keys.read
        - keys.write
        - events.read
    judge:
      description: "Submits artifacts and records verdicts"
      permissions:
        - verdicts.read
        - verdicts.write
        - runs.read
        - runs.write
        - events.read
    viewer:
      description: "Read-only access to verdicts and runs"
      permissions:
        - verdicts.read
        - runs.read
        - events.read

judge:
  allow_relax_default: true

mission:
  target_leads: 50
  max_cost_gbp: 100.0
  stall_window_minutes: 30
  stall_min_delta_leads: 3

webhooks: []
`
