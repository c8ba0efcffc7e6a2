package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger returns a debug-level JSON logger writing into buf.
func captureLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)

	var data map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &data))
	return data
}

func TestEnrichLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := EnrichLogger(captureLogger(&buf), "evt-1", "user.created", 7)
	logger.Info("hello")

	rec := lastRecord(t, &buf)
	assert.Equal(t, "evt-1", rec["event_id"])
	assert.Equal(t, "user.created", rec["event_type"])
	assert.Equal(t, float64(7), rec["sequence"])
}

func TestEnrichLoggerNil(t *testing.T) {
	assert.Nil(t, EnrichLogger(nil, "evt-1", "user.created", 1))
}

func TestLogPublish(t *testing.T) {
	var buf bytes.Buffer
	LogPublish(captureLogger(&buf), "evt-1", "user.created", "user-mgmt", 3)

	rec := lastRecord(t, &buf)
	assert.Equal(t, "event published", rec["msg"])
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "user-mgmt", rec["source_module_id"])
	assert.Equal(t, float64(3), rec["sequence"])
}

func TestLogDeliverySuccessAndFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf)

	LogDelivery(logger, "evt-1", "sub-1", 1, 4.2, nil)
	rec := lastRecord(t, &buf)
	assert.Equal(t, "event delivered", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])

	LogDelivery(logger, "evt-1", "sub-1", 3, 900.0, errors.New("unreachable"))
	rec = lastRecord(t, &buf)
	assert.Equal(t, "event delivery failed", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "unreachable", rec["error"])
	assert.Equal(t, float64(3), rec["attempts"])
}

func TestLogDeadLetter(t *testing.T) {
	var buf bytes.Buffer
	LogDeadLetter(captureLogger(&buf), "evt-1", "sub-1", 5, errors.New("gave up"))

	rec := lastRecord(t, &buf)
	assert.Equal(t, "event dead-lettered", rec["msg"])
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, float64(5), rec["attempts"])
}

func TestLogSequenceGap(t *testing.T) {
	var buf bytes.Buffer
	LogSequenceGap(captureLogger(&buf), 4, 6, 250*time.Millisecond)

	rec := lastRecord(t, &buf)
	assert.Equal(t, "sequence gap in dispatch stream", rec["msg"])
	assert.Equal(t, float64(4), rec["expected_sequence"])
	assert.Equal(t, float64(6), rec["next_sequence"])
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	done := TimedOperation(captureLogger(&buf), "query events")
	time.Sleep(time.Millisecond)
	done()

	rec := lastRecord(t, &buf)
	assert.Equal(t, "operation completed", rec["msg"])
	assert.Equal(t, "query events", rec["operation"])
	assert.Greater(t, rec["duration_ms"], 0.0)
}

func TestNilLoggerHelpersDoNotPanic(t *testing.T) {
	LogPublish(nil, "e", "t", "m", 1)
	LogPublishRejected(nil, "t", "m", errors.New("x"))
	LogDelivery(nil, "e", "s", 1, 1.0, nil)
	LogDeadLetter(nil, "e", "s", 1, errors.New("x"))
	LogSequenceGap(nil, 1, 2, time.Second)
	TimedOperation(nil, "op")()
}
