package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Transports.Stdio, "expected stdio transport enabled by default")
}

func TestSaveAndReloadRoundtrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Transports.HTTPAddr = ":8899"
	cfg.Backends["anthropic"] = BackendConfig{APIKey: "sk-test", BaseURL: "https://example.test"}

	require.NoError(t, cfg.Save(path))

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8899", reloaded.Transports.HTTPAddr)
	assert.Equal(t, "sk-test", reloaded.Backends["anthropic"].APIKey)
}

func TestBackendCredentialFallsBackToEnv(t *testing.T) {
	cfg := DefaultConfig()
	t.Setenv("TEST_ACPHAST_API_KEY", "from-env")

	assert.Equal(t, "from-env", cfg.BackendCredential("anthropic", "TEST_ACPHAST_API_KEY"))

	cfg.Backends["anthropic"] = BackendConfig{APIKey: "from-config"}
	assert.Equal(t, "from-config", cfg.BackendCredential("anthropic", "TEST_ACPHAST_API_KEY"),
		"configured key must take priority over the env fallback")
}

func TestBackendBaseURLFallback(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "http://localhost:11434", cfg.BackendBaseURL("ollama", "http://localhost:11434"))

	cfg.Backends["ollama"] = BackendConfig{BaseURL: "http://custom:11434"}
	assert.Equal(t, "http://custom:11434", cfg.BackendBaseURL("ollama", "http://localhost:11434"))
}
