package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  provider: openai
  name: gpt-4o
  api_key: sk-test
transport:
  kind: signal
  signal:
    account: "+4915551234"
render:
  update_interval_ms: 2000
  min_update_chars: 48
  flatten_markdown: true
session:
  idle_ttl_minutes: 60
log_level: debug
max_turns: 12
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "openai", cfg.Model.Provider)
	assert.Equal(t, "gpt-4o", cfg.Model.Name)
	assert.Equal(t, "signal", cfg.Transport.Kind)
	assert.Equal(t, "+4915551234", cfg.Transport.Signal.Account)
	// Unset fields keep their defaults.
	assert.Equal(t, "signal-cli", cfg.Transport.Signal.Command)
	assert.Equal(t, 2*time.Second, cfg.Render.UpdateInterval())
	assert.Equal(t, 48, cfg.Render.MinUpdateChars)
	assert.True(t, cfg.Render.FlattenMarkdown)
	assert.Equal(t, time.Hour, cfg.Session.IdleTTL())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 12, cfg.MaxTurns)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("SMALLBOT_TEST_KEY", "from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  api_key: ${SMALLBOT_TEST_KEY}
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model.APIKey)
}

func TestFindConfigExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestFindConfigExplicit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	found, err := FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, found)
}
