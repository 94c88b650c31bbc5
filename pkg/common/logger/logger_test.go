package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONWithMetadata(t *testing.T) {
	var buf bytes.Buffer
	traceFn := func(context.Context) string { return "trace-123" }

	log := NewWithMetadata(&buf, LevelDebug, "scanwatch", traceFn, Events{}, map[string]string{
		"hostname": "host-a",
		"pod":      "",
	})
	log.With("component", "test").Info(context.Background(), "hello", "scan_id", "abc")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "scanwatch", rec["service"])
	assert.Equal(t, "host-a", rec["hostname"])
	assert.Equal(t, "test", rec["component"])
	assert.Equal(t, "abc", rec["scan_id"])
	assert.Equal(t, "trace-123", rec["trace_id"])
	assert.NotContains(t, rec, "pod")
}

func TestLogger_MinLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "scanwatch", nil)

	log.Info(context.Background(), "dropped")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "kept")
	assert.Contains(t, buf.String(), "kept")
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	events := Events{Error: func(_ context.Context, r Record) { got = r }}

	log := NewWithEvents(&buf, LevelInfo, "scanwatch", nil, events)
	log.Error(context.Background(), "boom", "err", "bad")

	assert.Equal(t, "boom", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "bad", got.Attributes["err"])
}

func TestLoggerContext_AccumulatesAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "scanwatch", nil)

	lc := NewLoggerContext(log)
	lc.Add("scan_id", "s-1")
	lc.Add("reason", "heartbeat_stale")
	lc.Info(context.Background(), "cleaned")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "s-1", rec["scan_id"])
	assert.Equal(t, "heartbeat_stale", rec["reason"])
}

func TestNoop_DiscardsEverything(t *testing.T) {
	log := Noop()
	assert.NotPanics(t, func() {
		log.With("a", 1).Error(context.Background(), "ignored")
	})
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARN"))
	assert.Equal(t, LevelInfo, ParseLevel("nonsense"))
}
