package observability

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.False(t, cfg.AddSource)
}

func TestNewLogger(t *testing.T) {
	t.Run("creates logger with default config", func(t *testing.T) {
		logger := NewLogger(DefaultLoggingConfig())
		assert.NotEqual(t, zerolog.Logger{}, logger)
	})

	t.Run("creates logger with console format", func(t *testing.T) {
		logger := NewLogger(LoggingConfig{Level: "info", Format: "console", Output: "stdout"})
		assert.NotEqual(t, zerolog.Logger{}, logger)
	})

	t.Run("writes json to the given writer at the configured level", func(t *testing.T) {
		prev := zerolog.GlobalLevel()
		t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

		var buf bytes.Buffer
		logger := NewLoggerTo(LoggingConfig{Level: "warn", Format: "json"}, &buf)

		logger.Info().Msg("dropped")
		assert.Zero(t, buf.Len())

		logger.Warn().Str("recid", "451647").Msg("kept")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "kept", entry["message"])
		assert.Equal(t, "451647", entry["recid"])
		assert.Contains(t, entry, "time")
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestWithRecordContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithRecordContext(logger, "1234", "citedBy", "mostrecent")
	enriched.Info().Msg("loaded")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "1234", entry["recid"])
	assert.Equal(t, "citedBy", entry["mode"])
	assert.Equal(t, "mostrecent", entry["sort"])
}

func TestWithRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithComponent(WithRequestContext(logger, "list", "tok-1"), "refgraph")
	enriched.Info().Msg("superseded")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "list", entry["request_class"])
	assert.Equal(t, "tok-1", entry["request_token"])
	assert.Equal(t, "refgraph", entry["component"])
}
