package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerEmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("plugin registered", "plugin_id", "Sum")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "plugin registered", entry["msg"])
	assert.Equal(t, "Sum", entry["plugin_id"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("dropped")
	logger.Info("dropped too")
	assert.Zero(t, buf.Len())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestWithContextAddsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := WithSessionID(context.Background(), "sess-42")
	ctx = WithRequestID(ctx, "req-7")
	logger.InfoContext(ctx, "dispatch")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "sess-42", entry["session_id"])
	assert.Equal(t, "req-7", entry["request_id"])
}

func TestSanitizeKey(t *testing.T) {
	assert.Equal(t, "***", SanitizeKey("short"))
	assert.Equal(t, "supe...89", SanitizeKey("supersecret789"))
}
