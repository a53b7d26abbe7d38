package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_LevelAndFormat(t *testing.T) {
	l := New("library", "debug", "json")
	assert.Equal(t, "debug", l.Logger.GetLevel().String())
	assert.Equal(t, "library", l.Data["service"])

	fallback := New("library", "nonsense", "text")
	assert.Equal(t, "info", fallback.Logger.GetLevel().String())
}

func TestWithContext_AddsTraceAndUser(t *testing.T) {
	var buf bytes.Buffer
	l := New("library", "info", "json")
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = context.WithValue(ctx, UserIDKey, "42")
	l.WithContext(ctx).Info("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "trace-1", line["trace_id"])
	assert.Equal(t, "42", line["user_id"])
	assert.Equal(t, "hello", line["msg"])
}

func TestLogRequest_LevelFollowsStatus(t *testing.T) {
	var buf bytes.Buffer
	l := New("library", "info", "json")
	l.SetOutput(&buf)

	l.LogRequest(context.Background(), http.MethodGet, "/books/all", http.StatusInternalServerError, 12*time.Millisecond)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.EqualValues(t, 500, line["status"])
	assert.EqualValues(t, 12, line["duration_ms"])
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.Empty(t, GetRole(ctx))
	assert.Equal(t, ctx, WithTraceID(ctx, ""))
	assert.NotEmpty(t, NewTraceID())
}
