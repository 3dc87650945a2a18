package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoWritesJSONLine(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Writer: &buf})
	t.Cleanup(func() { Init(Config{Format: "json"}) })

	Info("job.status", map[string]any{"job_id": "job-1", "status": "processing"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "job.status", entry["msg"])
	assert.Equal(t, "job-1", entry["job_id"])
	assert.Contains(t, entry, "ts")
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Writer: &buf})
	t.Cleanup(func() { Init(Config{Format: "json"}) })

	Debug("ignored", nil)
	Info("ignored", nil)
	Warn("batch.failed", map[string]any{"batch_id": "b-1"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"level":"warn"`)
}

func TestConsoleFormatUsesTint(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "console", Writer: &buf})
	t.Cleanup(func() { Init(Config{Format: "json"}) })

	Info("console line", map[string]any{"k": "v"})

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "console line")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}
