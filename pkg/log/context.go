package log

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

type contextKey string

const requestContextKey contextKey = "metacrew_request_context"

// RequestContext carries tracing fields for one inbound request or CLI
// invocation through the completion and conversation layers.
type RequestContext struct {
	RequestID      string
	ConversationID string
	Role           string
	StartTime      time.Time
}

var (
	randSource  = rand.NewSource(time.Now().UnixNano())
	randMutex   sync.Mutex
	base36Chars = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// GenerateRequestID returns a 10 character base36 id, e.g. mgrn0zfqda.
func GenerateRequestID() string {
	randMutex.Lock()
	defer randMutex.Unlock()

	b := make([]byte, 10)
	for i := range b {
		b[i] = base36Chars[randSource.Int63()%36]
	}
	return string(b)
}

// WithRequestContext stores a fresh RequestContext in ctx.
func WithRequestContext(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestContextKey, &RequestContext{
		RequestID: requestID,
		StartTime: time.Now(),
	})
}

// WithConversation returns a child context tagged with the conversation id.
// The parent's RequestContext is copied, never mutated.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	rc := *GetRequestContext(ctx)
	rc.ConversationID = conversationID
	return context.WithValue(ctx, requestContextKey, &rc)
}

// WithRole returns a child context tagged with the speaking participant role.
func WithRole(ctx context.Context, role string) context.Context {
	rc := *GetRequestContext(ctx)
	rc.Role = role
	return context.WithValue(ctx, requestContextKey, &rc)
}

// GetRequestContext returns the RequestContext in ctx, or an "unknown" one.
func GetRequestContext(ctx context.Context) *RequestContext {
	if ctx != nil {
		if reqCtx, ok := ctx.Value(requestContextKey).(*RequestContext); ok {
			return reqCtx
		}
	}
	return &RequestContext{RequestID: "unknown"}
}

func GetRequestID(ctx context.Context) string {
	return GetRequestContext(ctx).RequestID
}

func GetConversationID(ctx context.Context) string {
	return GetRequestContext(ctx).ConversationID
}

func GetRole(ctx context.Context) string {
	return GetRequestContext(ctx).Role
}

// GetElapsedTime returns milliseconds since the request context was created.
func GetElapsedTime(ctx context.Context) int64 {
	reqCtx := GetRequestContext(ctx)
	if reqCtx.StartTime.IsZero() {
		return 0
	}
	return time.Since(reqCtx.StartTime).Milliseconds()
}
