package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.Recording.ChunkDuration())
	assert.Equal(t, 500, cfg.Recording.MinChunkBytes)
	assert.Equal(t, 15*time.Second, cfg.Recording.DrainTimeout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Recording.TickInterval.Duration)
	assert.Contains(t, cfg.Recording.ExhaustionMarkers, "Tiempo de grabación agotado")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[server]
addr = "0.0.0.0:9000"

[backend]
base_url = "https://hilo.example.com"
websocket_path = "/ws/audio"
request_timeout = "10s"

[recording]
chunk_seconds = 3
drain_timeout = "5s"

[capture]
driver = "synthetic"
sample_rate = 48000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "https://hilo.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Backend.RequestTimeout.Duration)
	assert.Equal(t, 3, cfg.Recording.ChunkSeconds)
	assert.Equal(t, 5*time.Second, cfg.Recording.DrainTimeout.Duration)
	assert.Equal(t, 48000, cfg.Capture.SampleRate)
	// Untouched values keep their defaults
	assert.Equal(t, 500, cfg.Recording.MinChunkBytes)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[capture]\ndriver = \"webcam\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[recording]\ndrain_timeout = \"soon\"\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"HILO_BACKEND_URL":   "https://override.example.com",
		"HILO_BACKEND_TOKEN": "secret",
		"HILO_CHUNK_SECONDS": "10",
		"HILO_CORS_ORIGINS":  "http://a.test, http://b.test",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, applyEnv(cfg, lookup))

	assert.Equal(t, "https://override.example.com", cfg.Backend.BaseURL)
	assert.Equal(t, "secret", cfg.Backend.AuthToken)
	assert.Equal(t, 10, cfg.Recording.ChunkSeconds)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSAllowedOrigins)
}

func TestApplyEnvRejectsNonNumeric(t *testing.T) {
	lookup := func(key string) (string, bool) {
		if key == "HILO_CHUNK_SECONDS" {
			return "five", true
		}
		return "", false
	}

	err := applyEnv(Default(), lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HILO_CHUNK_SECONDS")
}

func TestValidateTickInterval(t *testing.T) {
	cfg := Default()
	cfg.Recording.TickInterval = Duration{2 * time.Second}
	assert.Error(t, cfg.Validate())
}
