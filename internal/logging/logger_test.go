package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"bogus", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestInitWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { Init(DefaultConfig()) })

	Info().Str("device_id", "D1").Msg("telemetry received")

	out := buf.String()
	assert.Contains(t, out, `"message":"telemetry received"`)
	assert.Contains(t, out, `"device_id":"D1"`)
	assert.Contains(t, out, `"level":"info"`)
}

func TestNewFileLoggerIgnoresGlobalLevel(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "error", Output: &bytes.Buffer{}})
	t.Cleanup(func() { Init(DefaultConfig()) })

	audit := NewFileLogger(&buf)
	audit.Log().Str("device_id", "D1").Msg("")
	audit.Log().Str("device_id", "D2").Msg("")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"device_id":"D1"`)
	assert.Contains(t, lines[1], `"device_id":"D2"`)
}
