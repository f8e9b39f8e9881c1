package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestJSONLoggerFiltersByLevel(t *testing.T) {
	var buff bytes.Buffer
	logger, err := New(&buff, FormatJSON, "warn")
	require.NoError(t, err)
	Component(logger, "hub").Info("hidden")
	Component(logger, "hub").Warn("shown", "doc", "room1")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buff.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "hub", line["component"])
	assert.Equal(t, "room1", line["doc"])
}

func TestInvalidFormat(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "xml", "info")
	assert.EqualError(t, err, `invalid log format "xml"`)
}
