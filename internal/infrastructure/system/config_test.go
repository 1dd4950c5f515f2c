package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoader_Load_FileNotExists(t *testing.T) {
	loader := NewConfigLoader()
	cfg, err := loader.Load("/nonexistent/config.yaml")

	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Empty(t, cfg.Secrets.Local)
	assert.Zero(t, cfg.WasmMemoryLimitMB)
}

func TestConfigLoader_Load_EmptyPath(t *testing.T) {
	cfg, err := NewConfigLoader().Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestConfigLoader_Load_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yaml := `
secrets:
  local:
    db_password: hunter2
  env:
    api_token: CAPHOST_TEST_TOKEN
  stores:
    vault:
      files:
        tls_key: /run/secrets/tls.key
redaction:
  patterns:
    - "password\\s*=\\s*\\S+"
  hash_mode:
    enabled: true
    salt: "test-salt"
metrics:
  statsd_address: "127.0.0.1:8125"
  prefix: edge
registry:
  plain_http: true
wasm_memory_limit_mb: 128
module_cache_dir: /var/cache/caphost
`
	require.NoError(t, os.WriteFile(configPath, []byte(yaml), 0o600))

	cfg, err := NewConfigLoader().Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Secrets.Local["db_password"])
	assert.Equal(t, "CAPHOST_TEST_TOKEN", cfg.Secrets.Env["api_token"])
	assert.NotNil(t, cfg.Secrets.Files, "unset sections keep their defaults")
	assert.Equal(t, "/run/secrets/tls.key", cfg.Secrets.Stores["vault"].Files["tls_key"])
	assert.Equal(t, "127.0.0.1:8125", cfg.Metrics.Address)
	assert.Equal(t, "edge", cfg.Metrics.Prefix)
	assert.True(t, cfg.Registry.PlainHTTP)
	assert.Equal(t, 128, cfg.WasmMemoryLimitMB)
	assert.Equal(t, "/var/cache/caphost", cfg.ModuleCacheDir)

	rc := cfg.RedactorConfig()
	assert.Len(t, rc.Patterns, 1)
	assert.True(t, rc.HashMode)
	assert.Equal(t, "test-salt", rc.Salt)
	assert.False(t, rc.DisableGitleaks)
}

func TestConfigLoader_Load_Malformed(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("secrets: [unclosed"), 0o600))

	_, err := NewConfigLoader().Load(configPath)
	assert.ErrorContains(t, err, "failed to parse system config")
}
