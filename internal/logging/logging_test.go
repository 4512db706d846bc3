package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)

	logger.Debug("hidden")
	logger.Info("visible", "component", "test")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"visible"`)
	assert.Contains(t, out, `"component":"test"`)
}

func TestCronLogger(t *testing.T) {
	var buf bytes.Buffer
	l := CronLogger{Logger: New("debug", "text", &buf)}

	l.Info("schedule", "entry", 1)
	l.Error(errors.New("boom"), "job failed")

	out := buf.String()
	assert.Contains(t, out, "cron: schedule")
	assert.Contains(t, out, "cron: job failed")
	assert.Contains(t, out, "boom")
}
