package logging

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MaxMinsk/HaMapAddon/internal/models"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogSyncRun_WritesCounters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.LogSyncRun(models.SyncResult{
		Result:     models.Ok(models.StatusCompleted, "sync completed"),
		RunID:      "run-1",
		Reason:     "manual",
		Examined:   5,
		Downloaded: 2,
		Skipped:    3,
		Duration:   1500 * time.Millisecond,
	})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "completed", entry["status"])
	assert.Equal(t, float64(5), entry["examined"])
	assert.Equal(t, float64(2), entry["downloaded"])
	assert.Equal(t, float64(1500), entry["duration_ms"])
	assert.Equal(t, "sync completed", entry["message"])
}

func TestLogSyncRun_FailureIsWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.LogSyncRun(models.SyncResult{Result: models.Fail(models.StatusAuthError, "token refresh failed")})

	entry := decodeLine(t, &buf)
	assert.Equal(t, "warn", entry["level"])
}

func TestNewLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("nonsense", &buf)

	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
