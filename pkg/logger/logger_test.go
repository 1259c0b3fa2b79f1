package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesTypedFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.DebugLevel)

	l.Warn("source dropped",
		String("source", "feed-a"),
		Int("attempt", 2),
		Float64("value", 12.5),
		Bool("mismatch", true),
		Error(errors.New("upstream timeout")),
	)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "source dropped", line["message"])
	assert.Equal(t, "feed-a", line["source"])
	assert.EqualValues(t, 2, line["attempt"])
	assert.EqualValues(t, 12.5, line["value"])
	assert.Equal(t, true, line["mismatch"])
	assert.Equal(t, "upstream timeout", line["error"])
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&buf, zerolog.InfoLevel)

	l.Debug("hidden")
	assert.Zero(t, buf.Len())

	l.With(String("component", "aggregator")).Info("visible")
	assert.Contains(t, buf.String(), `"component":"aggregator"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(&Config{Level: "loud", Output: "stdout"})
	require.Error(t, err)
}

func TestNopDiscards(t *testing.T) {
	l := Nop()
	l.Error("nothing", Strings("ids", []string{"a", "b"}))
}
