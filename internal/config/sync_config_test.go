package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSyncConfig(t *testing.T) {
	cfg := DefaultSyncConfig()

	assert.Equal(t, 100, cfg.DefaultPageSize)
	assert.Equal(t, 1000, cfg.MaxPageSize)
	assert.Equal(t, 500, cfg.MaxBatchSize)
	assert.Equal(t, 5, cfg.OutboxMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.OutboxPollInterval)
	assert.Equal(t, "server_wins", cfg.ConflictResolution)
	assert.Equal(t, "sync.events", cfg.EventTopic)
}

func TestLoadSyncConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"max_batch_size": 250,
		"conflict_resolution": "merge",
		"entities": {
			"appointments": {"conflict_resolution": "client_wins"}
		},
		"outbox_poll_interval": 10
	}`), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg := LoadSyncConfig()
	assert.Equal(t, 250, cfg.MaxBatchSize)
	assert.Equal(t, "merge", cfg.ConflictResolution)
	assert.Equal(t, "client_wins", cfg.Entities["appointments"].ConflictResolution)
	assert.Equal(t, 10*time.Second, cfg.OutboxPollInterval)
	// Fields the file omits keep their defaults
	assert.Equal(t, 1000, cfg.MaxPageSize)
}

func TestLoadSyncConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_batch_size": 250}`), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)
	t.Setenv("SYNC_MAX_BATCH_SIZE", "42")
	t.Setenv("SYNC_CONFLICT_RESOLUTION", "client_wins")

	cfg := LoadSyncConfig()
	assert.Equal(t, 42, cfg.MaxBatchSize)
	assert.Equal(t, "client_wins", cfg.ConflictResolution)
}

func TestLoadSyncConfigIgnoresBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg := LoadSyncConfig()
	assert.Equal(t, DefaultSyncConfig().MaxBatchSize, cfg.MaxBatchSize)
}

func TestLoadRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "secret")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.JWTSecret)
	assert.Equal(t, "3001", cfg.Port)
}
