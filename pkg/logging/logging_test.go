package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), "ParseLevel(%q)", tt.in)
	}
}

func TestNewHandler_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelInfo))

	logger.Debug("hidden")
	logger.Info("node connected", "node_id", "camera")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "node connected", record["msg"])
	assert.Equal(t, "camera", record["node_id"])
}

func TestNewHandler_ConsoleWithoutColour(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "console", slog.LevelInfo))
	logger.Warn("queue full", "component", "left")

	out := buf.String()
	assert.Contains(t, out, "queue full")
	assert.Contains(t, out, "component=left")
	assert.NotContains(t, out, "\x1b[", "non-terminal writers get no ANSI colour")
}

func TestNew_FileOutputAndLevelChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tactile.log")
	logger, closer, err := New(Config{Level: "warn", Format: "json", OutputPath: path})
	require.NoError(t, err)

	logger.Info("dropped")
	logger.SetLevel(slog.LevelInfo)
	logger.Info("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), "kept")
}

func TestOrDefault(t *testing.T) {
	assert.Same(t, slog.Default(), OrDefault(nil))
	l := Discard()
	assert.Same(t, l, OrDefault(l))
}
