package log

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the Kratos log.Helper with category methods. Each method
// stamps a "type" field that EmojiConsoleEncoder maps to an emoji.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates a LogHelper around logger.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

func typed(msg, logType string, kvs []interface{}) []interface{} {
	allKvs := make([]interface{}, 0, len(kvs)+4)
	allKvs = append(allKvs, "msg", msg)
	allKvs = append(allKvs, kvs...)
	return append(allKvs, "type", logType)
}

// traced adds request_id, plus conversation_id and role when present.
func traced(ctx context.Context, kvs []interface{}) []interface{} {
	rc := GetRequestContext(ctx)
	out := append([]interface{}{"request_id", rc.RequestID}, kvs...)
	if rc.ConversationID != "" {
		out = append(out, "conversation_id", rc.ConversationID)
	}
	if rc.Role != "" {
		out = append(out, "role", rc.Role)
	}
	return out
}

// Request logs an inbound HTTP request (emoji by status).
func (h *LogHelper) Request(ctx context.Context, method, url string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, url, status, durationMs)
	kvs = append(kvs, "method", method, "url", url, "status", status, "duration_ms", durationMs)
	h.Infow(typed(msg, "request", traced(ctx, kvs))...)
}

// Completion logs a completion attempt outcome (🤖).
func (h *LogHelper) Completion(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "completion", traced(ctx, kvs))...)
}

// CompletionFailed logs a failed completion attempt at warn level (🤖).
func (h *LogHelper) CompletionFailed(ctx context.Context, msg string, kvs ...interface{}) {
	h.Warnw(typed(msg, "completion", traced(ctx, kvs))...)
}

// RateLimit logs limiter waits and upstream 429s (🚦).
func (h *LogHelper) RateLimit(msg string, kvs ...interface{}) {
	h.Warnw(typed(msg, "rate_limit", kvs)...)
}

// Circuit logs breaker transitions (🔌).
func (h *LogHelper) Circuit(msg string, kvs ...interface{}) {
	h.Warnw(typed(msg, "circuit", kvs)...)
}

// Conversation logs conversation progress (💬).
func (h *LogHelper) Conversation(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "conversation", traced(ctx, kvs))...)
}

// Vote logs a single ballot (🗳️).
func (h *LogHelper) Vote(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "vote", traced(ctx, kvs))...)
}

// Consensus logs the outcome of a voting round (🤝).
func (h *LogHelper) Consensus(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "consensus", traced(ctx, kvs))...)
}

// Summary logs fallback result compilation (📝).
func (h *LogHelper) Summary(ctx context.Context, msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "summary", traced(ctx, kvs))...)
}

// Success logs a successful operation (✅).
func (h *LogHelper) Success(msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "success", kvs)...)
}

// Database logs database operations at debug level (💾).
func (h *LogHelper) Database(msg string, kvs ...interface{}) {
	h.Debugw(typed(msg, "database", kvs)...)
}

// Redis logs Redis operations at debug level (📦).
func (h *LogHelper) Redis(msg string, kvs ...interface{}) {
	h.Debugw(typed(msg, "redis", kvs)...)
}

// Cache logs completion cache activity at debug level (🧹).
func (h *LogHelper) Cache(msg string, kvs ...interface{}) {
	h.Debugw(typed(msg, "cache", kvs)...)
}

// Audit logs audit sink activity (📋).
func (h *LogHelper) Audit(msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "audit", kvs)...)
}

// Scheduler logs cron job runs (⏰).
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "scheduler", kvs)...)
}

// Startup logs process startup steps (🚀).
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	h.Infow(typed(msg, "startup", kvs)...)
}

// Security logs rejected credentials (🔒).
func (h *LogHelper) Security(msg string, kvs ...interface{}) {
	h.Warnw(typed(msg, "security", kvs)...)
}
