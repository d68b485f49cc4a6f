// Package config loads the assistant's configuration from a YAML file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parcelwise/assistant/pkg/domain"
)

// Config is the full assistant configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`
	// Model is the model name requested from the provider.
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable holding the provider API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// ConfirmTTL is the pending-action confirmation window.
	ConfirmTTL time.Duration `yaml:"confirm_ttl"`
	// SweepInterval is how often expired pending actions are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxIterations caps provider round trips per turn.
	MaxIterations int `yaml:"max_iterations"`
	// ContextBudget is the assembler's character budget.
	ContextBudget int `yaml:"context_budget"`
	// ToolTimeout bounds inline tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// RetryAttempts is the provider retry cap (including the first try).
	RetryAttempts int `yaml:"retry_attempts"`
	// RequestsPerSecond limits outbound provider calls. Zero disables.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Roles maps a role name to the permissions it grants.
	Roles map[string][]domain.Permission `yaml:"roles"`
	// DefaultRole is the role assumed when a request names none.
	DefaultRole string `yaml:"default_role"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Addr:          ":8080",
		DBPath:        "data/assistant.db",
		Model:         "gemini-2.0-flash",
		APIKeyEnv:     "GEMINI_API_KEY",
		ConfirmTTL:    5 * time.Minute,
		SweepInterval: 30 * time.Second,
		MaxIterations: 10,
		ContextBudget: 128_000,
		ToolTimeout:   30 * time.Second,
		RetryAttempts: 4,
		Roles: map[string][]domain.Permission{
			"viewer": {domain.PermissionRead},
			"editor": {domain.PermissionRead, domain.PermissionWrite},
			"admin":  {domain.PermissionRead, domain.PermissionWrite, domain.PermissionAdmin},
		},
		DefaultRole: "editor",
	}
}

// Load reads the config file at path, layered over defaults. A missing file
// is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model must be set")
	}
	if c.ConfirmTTL <= 0 {
		return fmt.Errorf("confirm_ttl must be positive")
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if c.ContextBudget <= 0 {
		return fmt.Errorf("context_budget must be positive")
	}
	if _, ok := c.Roles[c.DefaultRole]; !ok {
		return fmt.Errorf("default_role %q is not defined in roles", c.DefaultRole)
	}
	return nil
}

// APIKey resolves the provider API key from the environment.
func (c Config) APIKey() (string, error) {
	key := os.Getenv(c.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s environment variable not set", c.APIKeyEnv)
	}
	return key, nil
}

// PermissionsForRole resolves a role name to its permission set, falling
// back to the default role for unknown names.
func (c Config) PermissionsForRole(role string) domain.PermissionSet {
	perms, ok := c.Roles[role]
	if !ok {
		perms = c.Roles[c.DefaultRole]
	}
	return domain.NewPermissionSet(perms...)
}
