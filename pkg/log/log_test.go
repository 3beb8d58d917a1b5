package log

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(t *testing.T) (log.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	return NewKratosAdapter(zap.New(core)), logs
}

func TestKratosAdapter_MessageAndFields(t *testing.T) {
	logger, logs := newObserved(t)

	require.NoError(t, logger.Log(log.LevelWarn, "msg", "upstream slow", "model", "openai/gpt-4o", "attempt", 2))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "upstream slow", entry.Message)
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "openai/gpt-4o", fields["model"])
	assert.Equal(t, int64(2), fields["attempt"])
	_, hasMsg := fields["msg"]
	assert.False(t, hasMsg)
}

func TestKratosAdapter_EmptyAndOddKeyvals(t *testing.T) {
	logger, logs := newObserved(t)

	assert.NoError(t, logger.Log(log.LevelInfo))
	assert.NoError(t, logger.Log(log.LevelInfo, "model", "a", "dangling"))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "a", logs.All()[0].ContextMap()["model"])
}

func TestKratosAdapter_SanitizesSecrets(t *testing.T) {
	logger, logs := newObserved(t)

	require.NoError(t, logger.Log(log.LevelInfo,
		"api_key", "sk-or-v1-0123456789abcdef",
		"header", "Bearer sk-or-v1-0123456789abcdef",
		"err", errors.New("bad token sk-or-v1-xyz"),
		"content", "Use REST.",
	))

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "sk-o*****************cdef", fields["api_key"])
	assert.NotContains(t, fields["header"], "0123456789ab")
	assert.Equal(t, "Use REST.", fields["content"])
	assert.Equal(t, "bad token sk-or-v1-xyz", fields["err"])
}

func TestSanitizeField(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"password", "hunter22", "h******2"},
		{"API_KEY", "abcdefghijkl", "abcd****ijkl"},
		{"model", "meta-llama/llama-3-70b", "meta-llama/llama-3-70b"},
		{"value", "sk-or-v1-abcdefgh1234", "sk-o*************1234"},
		{"topic", "sk- prefixed words in a sentence", "sk- prefixed words in a sentence"},
		{"token", "ab", "**"},
		{"token", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.key+"/"+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeField(tt.key, tt.value))
		})
	}
}

func TestStatusEmoji(t *testing.T) {
	assert.Equal(t, "🟢", statusEmoji(200))
	assert.Equal(t, "🟡", statusEmoji(301))
	assert.Equal(t, "🟠", statusEmoji(429))
	assert.Equal(t, "🔴", statusEmoji(503))
}

func TestEmojiConsoleEncoder_EncodeEntry(t *testing.T) {
	enc := NewEmojiConsoleEncoder(zapcore.EncoderConfig{MessageKey: "msg", LineEnding: "\n"})

	tests := []struct {
		name   string
		level  zapcore.Level
		fields []zapcore.Field
		want   string
	}{
		{"type field", zapcore.InfoLevel, []zapcore.Field{zap.String("type", "circuit")}, "🔌 hello"},
		{"status wins", zapcore.InfoLevel, []zapcore.Field{zap.String("type", "request"), zap.Int("status", 502)}, "🔴 hello"},
		{"level fallback", zapcore.WarnLevel, nil, "⚠️ hello"},
		{"unknown type", zapcore.ErrorLevel, []zapcore.Field{zap.String("type", "nope")}, "❌ hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := enc.EncodeEntry(zapcore.Entry{Level: tt.level, Message: "hello", Time: time.Now()}, tt.fields)
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.want)
		})
	}

	assert.NotNil(t, enc.Clone())
}

func TestLogHelper_TypedMethods(t *testing.T) {
	logger, logs := newObserved(t)
	h := NewLogHelper(logger)

	ctx := WithRole(WithConversation(WithRequestContext(context.Background(), "req0000001"), "conv-1"), "Architect")

	h.Completion(ctx, "completion succeeded", "model", "m1")
	h.Vote(ctx, "vote cast", "agree", true)
	h.RateLimit("waiting", "model", "m1")
	h.Circuit("opened", "model", "m1")

	require.Equal(t, 4, logs.Len())
	first := logs.All()[0].ContextMap()
	assert.Equal(t, "completion", first["type"])
	assert.Equal(t, "req0000001", first["request_id"])
	assert.Equal(t, "conv-1", first["conversation_id"])
	assert.Equal(t, "Architect", first["role"])
	assert.Equal(t, "completion succeeded", logs.All()[0].Message)

	assert.Equal(t, "vote", logs.All()[1].ContextMap()["type"])
	assert.Equal(t, zapcore.WarnLevel, logs.All()[2].Level)
	assert.Equal(t, "circuit", logs.All()[3].ContextMap()["type"])
}

func TestRequestContext(t *testing.T) {
	assert.Equal(t, "unknown", GetRequestID(context.Background()))

	id := GenerateRequestID()
	assert.Len(t, id, 10)
	assert.NotEqual(t, id, GenerateRequestID())

	base := WithRequestContext(context.Background(), id)
	child := WithRole(WithConversation(base, "conv-9"), "Reviewer")

	assert.Equal(t, id, GetRequestID(child))
	assert.Equal(t, "conv-9", GetConversationID(child))
	assert.Equal(t, "Reviewer", GetRole(child))
	// parent is untouched
	assert.Empty(t, GetConversationID(base))
	assert.GreaterOrEqual(t, GetElapsedTime(base), int64(0))
}

func TestLogHelper_CategoryTypes(t *testing.T) {
	logger, logs := newObserved(t)
	h := NewLogHelper(logger)

	h.Success("circuit states persisted", "count", 2)
	h.Database("audit log written", "model", "m1")
	h.Redis("transcript saved", "conversation_id", "c-1")
	h.Audit("flushing audit logs", "file", true)

	require.Equal(t, 4, logs.Len())
	tests := []struct {
		typ   string
		level zapcore.Level
	}{
		{"success", zapcore.InfoLevel},
		{"database", zapcore.DebugLevel},
		{"redis", zapcore.DebugLevel},
		{"audit", zapcore.InfoLevel},
	}
	for i, tt := range tests {
		entry := logs.All()[i]
		assert.Equal(t, tt.typ, entry.ContextMap()["type"])
		assert.Equal(t, tt.level, entry.Level)
	}
	assert.Equal(t, int64(2), logs.All()[0].ContextMap()["count"])
}

func TestGetElapsedTime(t *testing.T) {
	assert.Zero(t, GetElapsedTime(context.Background()))
	assert.Empty(t, GetRole(context.Background()))

	ctx := WithRequestContext(context.Background(), "req0000002")
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, GetElapsedTime(ctx), int64(5))
	// role and conversation tags keep the original start time
	assert.GreaterOrEqual(t, GetElapsedTime(WithRole(ctx, "Developer")), int64(5))
}
