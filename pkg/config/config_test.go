package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelwise/assistant/pkg/domain"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 5*time.Minute, cfg.ConfirmTTL)
	assert.Equal(t, "editor", cfg.DefaultRole)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9090"
model: gemini-2.0-pro
confirm_ttl: 2m
roles:
  viewer: [read]
  operator: [read, write, admin]
default_role: viewer
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "gemini-2.0-pro", cfg.Model)
	assert.Equal(t, 2*time.Minute, cfg.ConfirmTTL)
	assert.Equal(t, "viewer", cfg.DefaultRole)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.MaxIterations)
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [unclosed"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Model = ""
	require.Error(t, bad.Validate())

	bad = Default()
	bad.ConfirmTTL = 0
	require.Error(t, bad.Validate())

	bad = Default()
	bad.MaxIterations = 0
	require.Error(t, bad.Validate())

	bad = Default()
	bad.DefaultRole = "ghost"
	require.Error(t, bad.Validate())
}

func TestPermissionsForRole(t *testing.T) {
	cfg := Default()

	viewer := cfg.PermissionsForRole("viewer")
	assert.True(t, viewer[domain.PermissionRead])
	assert.False(t, viewer[domain.PermissionWrite])

	admin := cfg.PermissionsForRole("admin")
	assert.True(t, admin[domain.PermissionAdmin])

	// Unknown roles fall back to the default role.
	fallback := cfg.PermissionsForRole("ghost")
	assert.True(t, fallback[domain.PermissionWrite])
	assert.False(t, fallback[domain.PermissionAdmin])
}

func TestAPIKey(t *testing.T) {
	cfg := Default()
	cfg.APIKeyEnv = "TEST_ASSISTANT_API_KEY"

	t.Setenv("TEST_ASSISTANT_API_KEY", "")
	_, err := cfg.APIKey()
	require.Error(t, err)

	t.Setenv("TEST_ASSISTANT_API_KEY", "secret")
	key, err := cfg.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "secret", key)
}
