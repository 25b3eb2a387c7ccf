package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewHandler_DefaultsToJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Level: "info"})
	require.NoError(t, err)

	slog.New(h).Info("stream completed", "fragments", 3)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "stream completed", entry["msg"])
	assert.Equal(t, float64(3), entry["fragments"])
}

func TestNewHandler_PrettyWithoutColor(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Format: FormatPretty, Level: "debug"})
	require.NoError(t, err)

	slog.New(h).Debug("decoder opened", "session", "abc")

	out := buf.String()
	assert.Contains(t, out, "decoder opened")
	assert.Contains(t, out, "session=abc")
	assert.False(t, strings.Contains(out, "\033["), "no ANSI escapes when not writing to a terminal")
}

func TestNewHandler_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	h, err := NewHandler(&buf, Options{Level: "warn", Format: FormatJSON})
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewHandler_UnknownFormat(t *testing.T) {
	_, err := NewHandler(&bytes.Buffer{}, Options{Format: "xml"})
	assert.Error(t, err)
}
