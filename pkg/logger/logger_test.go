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
)

// TestNew_FileOutput writes JSON entries with the service field and honours the level.
func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, closeFn, err := New(Config{Level: "warn", Format: "json", OutputFile: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("prepared transaction recovered", zap.Uint32("xid", 1000))
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, ServiceName, entry["service"])
	assert.Equal(t, "prepared transaction recovered", entry["msg"])
	assert.EqualValues(t, 1000, entry["xid"])
}

// TestNew_BadLevelDefaultsToInfo keeps info entries when the level cannot be parsed.
func TestNew_BadLevelDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, closeFn, err := New(Config{Level: "chatty", Format: "console", OutputFile: path})
	require.NoError(t, err)
	logger.Debug("hidden")
	logger.Info("shown")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "shown")
	assert.NotContains(t, string(data), "hidden")
}

// TestNew_UnwritableFile fails when the log file cannot be created.
func TestNew_UnwritableFile(t *testing.T) {
	_, _, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing", "node.log")})
	require.Error(t, err)
}
