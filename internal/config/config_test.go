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
	t.Run("Defaults when no config file", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "8000", cfg.Server.Port)
		assert.Equal(t, "console", cfg.Server.LogFormat)
		assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
		assert.Equal(t, "us-east-1", cfg.AWS.Region)
		assert.Equal(t, "us-east-1", cfg.Archive.Region, "archive region falls back to aws region")
		assert.Equal(t, 5*time.Minute, cfg.Inspection.Retention)
		assert.Equal(t, 2, cfg.Inspection.PersistAttempts)
		assert.Equal(t, 30*time.Second, cfg.WebSocket.HeartbeatInterval)
		assert.Equal(t, 90*time.Second, cfg.WebSocket.HeartbeatTimeout)
		assert.Equal(t, 256, cfg.WebSocket.SendBuffer)
	})

	t.Run("Loads from config file", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)

		configContent := `
server:
  port: "9999"
inspection:
  retention_seconds: 60
  max_parallel_jobs: 4
websocket:
  cleanup_grace: 5s
archive:
  bucket: results-bucket
  region: eu-west-1
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configContent), 0o644))

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Server.Port)
		assert.Equal(t, time.Minute, cfg.Inspection.Retention)
		assert.Equal(t, 4, cfg.Inspection.MaxParallelJobs)
		assert.Equal(t, 5*time.Second, cfg.WebSocket.CleanupGrace)
		assert.Equal(t, "results-bucket", cfg.Archive.Bucket)
		assert.Equal(t, "eu-west-1", cfg.Archive.Region)
	})

	t.Run("Environment overrides", func(t *testing.T) {
		t.Chdir(t.TempDir())
		t.Setenv("SERVER_PORT", "7000")
		t.Setenv("INSPECTION_SIMULATE", "true")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "7000", cfg.Server.Port)
		assert.True(t, cfg.Inspection.Simulate)
	})

	t.Run("Docker secret files", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		secretPath := filepath.Join(dir, "jwt_secret")
		require.NoError(t, os.WriteFile(secretPath, []byte("from-file\n"), 0o600))
		t.Setenv("JWT_SECRET", "")
		t.Setenv("JWT_SECRET_FILE", secretPath)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "from-file", cfg.JWT.Secret)
	})
}
