package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"quizmaster/internal/config"
)

func TestNew_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log := New(config.ServerConfig{Mode: "release"}, config.LogConfig{File: path, MaxSizeMB: 1})

	log.Debug("hidden")
	log.Info("quiz completed", zap.String("user_id", "u1"))
	_ = log.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "quiz completed", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
}

func TestNew_DebugLevel(t *testing.T) {
	log := New(config.ServerConfig{Mode: "debug"}, config.LogConfig{})
	assert.True(t, log.Core().Enabled(zap.DebugLevel))

	log = New(config.ServerConfig{Mode: "release"}, config.LogConfig{})
	assert.False(t, log.Core().Enabled(zap.DebugLevel))
}
