package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
embeddings:
  base_url: http://localhost:8081
  dimensions: 384
`

func TestLoadBytesAppliesDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, BackendEmbedded, cfg.Index.Backend)
	assert.Equal(t, "dev", cfg.Index.Environment)
	assert.Equal(t, 3, cfg.Resilience.MaxAttempts)
	assert.Equal(t, 256, cfg.Service.QueueSize)
	assert.Equal(t, "0 3 * * *", cfg.Retention.Scheduler.Schedule)
}

func TestLoadBytesReadsValues(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
server:
  port: 9000
index:
  backend: qdrant
  environment: prod
  qdrant:
    host: qdrant.internal
    port: 6334
embeddings:
  base_url: http://embedder:8081
  dimensions: 768
retention:
  policy:
    max_session_age: 720h
    max_messages_per_session: 500
    max_conversations_per_session: 40
    cleanup_batch_size: 200
  scheduler:
    enabled: true
    schedule: "30 2 * * *"
`))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, BackendQdrant, cfg.Index.Backend)
	assert.Equal(t, "prod", cfg.Index.Environment)
	assert.Equal(t, "qdrant.internal", cfg.Index.Qdrant.Host)
	assert.Equal(t, 768, cfg.Embeddings.Dimensions)
	assert.Equal(t, 720*time.Hour, cfg.Retention.Policy.MaxSessionAge)
	assert.Equal(t, 500, cfg.Retention.Policy.MaxMessagesPerSession)
	assert.Equal(t, 40, cfg.Retention.Policy.MaxConversationsPerSession)
	assert.Equal(t, 200, cfg.Retention.Policy.CleanupBatchSize)
	assert.True(t, cfg.Retention.Scheduler.Enabled)
	assert.Equal(t, "30 2 * * *", cfg.Retention.Scheduler.Schedule)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("HISTORYD_SERVER_PORT", "9444")
	t.Setenv("HISTORYD_INDEX_ENVIRONMENT", "staging")

	cfg, err := LoadBytes([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 9444, cfg.Server.Port)
	assert.Equal(t, "staging", cfg.Index.Environment)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing embeddings", `server: {port: 8080}`},
		{"bad backend", minimalYAML + "\nindex:\n  backend: cassandra\n"},
		{"bad environment", minimalYAML + "\nindex:\n  environment: \"NOT VALID\"\n"},
		{"bad port", minimalYAML + "\nserver:\n  port: 99999\n"},
		{"expander without url", minimalYAML + "\nexpander:\n  enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

// writeConfigFile places a config under the fake home's allowed directory.
func writeConfigFile(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "historyd")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile(t *testing.T) {
	path := writeConfigFile(t, minimalYAML+"\nserver:\n  port: 9100\n", 0o600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
}

func TestLoadWithFileRejectsWeakPermissions(t *testing.T) {
	path := writeConfigFile(t, minimalYAML, 0o644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadWithFileRejectsOutsidePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	outside := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(outside, []byte(minimalYAML), 0o600))

	_, err := LoadWithFile(outside)
	assert.Error(t, err)
}

func TestLoadWithFileMissingFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("HISTORYD_EMBEDDINGS_BASE_URL", "http://embedder:8081")
	t.Setenv("HISTORYD_EMBEDDINGS_DIMENSIONS", "384")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://embedder:8081", cfg.Embeddings.BaseURL)
}
