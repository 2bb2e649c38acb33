package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileOutputWritesJSONFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hilo.log")
	log, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Named("session").WithProject("p1").Info("Recording paused",
		String("reason", "quota"),
		Int("chunks", 3),
		Duration("elapsed", 1500*time.Millisecond),
		Bool("flushed", true))
	log.Debug("hidden below info")
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "session", entry["logger"])
	assert.Equal(t, "p1", entry["project_id"])
	assert.Equal(t, "quota", entry["reason"])
	assert.Equal(t, float64(3), entry["chunks"])
	assert.Equal(t, float64(1500), entry["elapsed"])
	assert.Equal(t, true, entry["flushed"])
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(Config{Level: "loud", Format: "json"})
	assert.Error(t, err)

	_, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
