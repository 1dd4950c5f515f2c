// Package system loads the host's own configuration file
// (~/.caphost/config.yaml): secret sources, redaction, metrics and wasm
// runtime limits. It is separate from the capability manifest.
package system

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/reglet-dev/caphost/internal/infrastructure/metrics"
	"github.com/reglet-dev/caphost/internal/infrastructure/sensitivedata"
)

// Config represents the host configuration file.
type Config struct {
	Secrets           SecretsConfig   `yaml:"secrets"`
	Redaction         RedactionConfig `yaml:"redaction"`
	Registry          RegistryConfig  `yaml:"registry"`
	ModuleCacheDir    string          `yaml:"module_cache_dir"`
	Metrics           metrics.Config  `yaml:"metrics"`
	WasmMemoryLimitMB int             `yaml:"wasm_memory_limit_mb"`
}

// SecretsConfig configures secret resolution. The top-level sources form
// the default store; Stores adds named stores a manifest selects with
// secret_store.
type SecretsConfig struct {
	SecretSources `yaml:",inline"`
	Stores        map[string]SecretSources `yaml:"stores"`
}

// SecretSources lists where the secrets of one store come from, checked in
// field order.
type SecretSources struct {
	// Local defines static secrets for development (name -> value)
	Local map[string]string `yaml:"local"`

	// Env defines environment variable mappings (secret_name -> env_var_name)
	Env map[string]string `yaml:"env"`

	// Files defines file path mappings (secret_name -> file_path)
	Files map[string]string `yaml:"files"`
}

// RedactionConfig configures how sensitive data is sanitized.
type RedactionConfig struct {
	HashMode        HashModeConfig `yaml:"hash_mode"`
	Patterns        []string       `yaml:"patterns"`
	DisableGitleaks bool           `yaml:"disable_gitleaks"`
}

// HashModeConfig controls hash-based redaction.
type HashModeConfig struct {
	Salt    string `yaml:"salt"`
	Enabled bool   `yaml:"enabled"`
}

// RegistryConfig holds credentials for pulling guest modules from an OCI
// registry.
type RegistryConfig struct {
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	PlainHTTP bool   `yaml:"plain_http"`
}

// RedactorConfig converts the redaction settings for the redactor.
func (c *Config) RedactorConfig() sensitivedata.Config {
	return sensitivedata.Config{
		Patterns:        c.Redaction.Patterns,
		HashMode:        c.Redaction.HashMode.Enabled,
		Salt:            c.Redaction.HashMode.Salt,
		DisableGitleaks: c.Redaction.DisableGitleaks,
	}
}

// DefaultPath returns ~/.caphost/config.yaml, or "" when the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".caphost", "config.yaml")
}

// ConfigLoader loads system configuration from disk.
type ConfigLoader struct{}

// NewConfigLoader creates a new system config loader.
func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

// DefaultConfig returns a Config with safe defaults for all fields.
// This is used when no system config file exists.
func DefaultConfig() *Config {
	return &Config{
		Secrets: SecretsConfig{
			SecretSources: SecretSources{
				Local: make(map[string]string),
				Env:   make(map[string]string),
				Files: make(map[string]string),
			},
		},
		Redaction: RedactionConfig{
			Patterns: []string{},
		},
		WasmMemoryLimitMB: 0, // runtime default
	}
}

// Load loads the system configuration from path. A missing file yields
// DefaultConfig so the host runs without any configuration.
func (l *ConfigLoader) Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	//nolint:gosec // G304: path is the operator's config file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read system config: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse system config: %w", err)
	}

	return config, nil
}
