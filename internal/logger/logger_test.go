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

	"sleepywoodpecker/rp-wheel-serial/internal/config"
)

func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wheelsync.logs")

	logger, err := NewLogger(config.LogConfig{Level: "info", File: path, MaxSize: 1})
	require.NoError(t, err)

	logger.Debug("[test] hidden")
	logger.Info("[test] visible", zap.String("portName", "/dev/ttyACM0"))
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "[test] visible", entry["msg"])
	assert.Equal(t, "/dev/ttyACM0", entry["portName"])
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}
