package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesKeyValues(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{zl: zerolog.New(&buf).With().Str("component", "Test").Logger()}

	l.Info("recognition complete", "provider", "bounded", "bytes", 42, "error", fmt.Errorf("none"), "dangling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "recognition complete", entry["message"])
	assert.Equal(t, "Test", entry["component"])
	assert.Equal(t, "bounded", entry["provider"])
	assert.Equal(t, float64(42), entry["bytes"])
	assert.Equal(t, "none", entry["error"])
	assert.NotContains(t, entry, "dangling")
}

func TestNopLoggerIsSilent(t *testing.T) {
	l := NewNop()
	l.Error("ignored", "k", "v")
	l.With("request", "r1").Warn("ignored too")
}

func TestConfigureWritesToGivenOutput(t *testing.T) {
	prevBase, prevLevel := base, zerolog.GlobalLevel()
	t.Cleanup(func() {
		base = prevBase
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Configure("warn", "production", &buf)

	l := NewLogger("ImagePreparer")
	l.Info("dropped below level")
	l.Warn("Image transform failed, sending original bytes", "bytes", 10)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "ImagePreparer", entry["component"])
	assert.NotContains(t, buf.String(), "dropped below level")
}
