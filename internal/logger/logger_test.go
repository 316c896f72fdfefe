package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithContextAddsRequestScopedFields(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(New(Config{Level: "debug", Format: "json"}, &buf))
	defer slog.SetDefault(prev)

	ctx := WithValue(context.Background(), RequestIDKey, "req-1")
	ctx = WithValue(ctx, JobIDKey, "job-9")
	ctx = WithValue(ctx, ActorIDKey, "")

	Info(ctx, "escrow funded", "amount", 500)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "escrow funded", line["msg"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "job-9", line["job_id"])
	assert.NotContains(t, line, "actor_id")
	assert.EqualValues(t, 500, line["amount"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Format: "text"}, &buf)

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
