package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(NewWithWriter("info", "json", &buf), "coordinator")

	logger.Debug().Msg("hidden")
	logger.Info().Int("version", 3).Msg("Training started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "coordinator", entry["component"])
	assert.Equal(t, float64(3), entry["version"])
	assert.Equal(t, "Training started", entry["message"])
	assert.NotContains(t, buf.String(), "hidden")
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("debug", "console", &buf)
	logger.Debug().Msg("Polling screen")

	assert.Contains(t, buf.String(), "Polling screen")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	ctx := ContextWithRunID(context.Background(), "run-42")
	ctx = ContextWithLogger(ctx, NewWithWriter("info", "json", &buf))

	assert.Equal(t, "run-42", RunIDFromContext(ctx))
	FromContext(ctx).Info().Msg("hello")
	assert.Contains(t, buf.String(), `"run_id":"run-42"`)

	assert.Equal(t, "", RunIDFromContext(context.Background()))
}
