package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(100<<20), cfg.Artifacts.MaxUploadBytes())
	assert.Equal(t, int64(100<<10), cfg.Templates.MaxBytes())
	assert.Equal(t, 24*time.Hour, cfg.Artifacts.TTL)
	assert.Equal(t, time.Hour, cfg.Reaper.Interval)
}

func TestLoadYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
server:
  port: 9000
  baseURL: https://mover.example.com
storage:
  dataDir: /var/lib/mover
artifacts:
  maxUploadSize: 10MB
  ttl: 12h
  maxTTL: 48h
templates:
  maxSize: 50KiB
reaper:
  interval: 30m
auth:
  tokens: [ops-token]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/var/lib/mover", cfg.Storage.DataDir)
	assert.Equal(t, int64(10_000_000), cfg.Artifacts.MaxUploadBytes())
	assert.Equal(t, 12*time.Hour, cfg.Artifacts.TTL)
	assert.Equal(t, int64(50<<10), cfg.Templates.MaxBytes())
	assert.Equal(t, 30*time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, []string{"ops-token"}, cfg.Auth.Tokens)
	// Untouched keys keep their defaults.
	assert.Equal(t, 7*24*time.Hour, cfg.Templates.TTL)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, "server:\n  port: 9000\n")

	t.Setenv("CLOUDMOVER_SERVER_PORT", "9100")
	t.Setenv("CLOUDMOVER_ARTIFACTS_MAX_UPLOAD_SIZE", "1GiB")
	t.Setenv("CLOUDMOVER_AUTH_TOKENS", "a,b")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, int64(1<<30), cfg.Artifacts.MaxUploadBytes())
	assert.Equal(t, []string{"a", "b"}, cfg.Auth.Tokens)
}

func TestDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("CLOUDMOVER_STORAGE_DATA_DIR=/srv/mover\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("CLOUDMOVER_STORAGE_DATA_DIR") })

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/mover", cfg.Storage.DataDir)
}

func TestLoadInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		body string
	}{
		{"bad size", "artifacts:\n  maxUploadSize: lots\n"},
		{"zero template size", "templates:\n  maxSize: 0B\n"},
		{"bad port", "server:\n  port: 70000\n"},
		{"max below default ttl", "artifacts:\n  ttl: 48h\n  maxTTL: 1h\n"},
		{"bad yaml", "server: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
