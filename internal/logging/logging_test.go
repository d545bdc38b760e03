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
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("info", "json", &buf)
	require.NoError(t, err)
	l.Debug("hidden")
	l.Info("authenticated", "aid", "F54230", "key", 0)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "authenticated", rec["msg"])
	assert.Equal(t, "F54230", rec["aid"])

	buf.Reset()
	l, err = New("debug", "text", &buf)
	require.NoError(t, err)
	l.Debug("apdu", "cmd", "906000000000")
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "cmd=906000000000")

	_, err = New("info", "xml", &buf)
	assert.Error(t, err)
	_, err = New("loud", "text", &buf)
	assert.Error(t, err)
}
