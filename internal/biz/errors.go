package biz

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons surfaced by the completion adapter and conversation engine.
const (
	ReasonAllModelsUnavailable  = "ALL_MODELS_UNAVAILABLE"
	ReasonRateLimited           = "RATE_LIMITED"
	ReasonRateLimitWaitExceeded = "RATE_LIMIT_WAIT_EXCEEDED"
	ReasonUpstreamError         = "UPSTREAM_ERROR"
	ReasonTransportError        = "TRANSPORT_ERROR"
	ReasonMalformedResponse     = "MALFORMED_RESPONSE"
	ReasonMissingAPIKey         = "MISSING_API_KEY"
	ReasonInvalidRequest        = "INVALID_REQUEST"
	ReasonNoParticipants        = "NO_PARTICIPANTS"
	ReasonConversationNotFound  = "CONVERSATION_NOT_FOUND"
)

// IsRetryable reports whether err is a transient adapter failure.
func IsRetryable(err error) bool {
	if e := errors.FromError(err); e != nil {
		return e.Metadata["retryable"] == "true"
	}
	return false
}

func meta(model string, retryable bool, kv ...string) map[string]string {
	m := map[string]string{
		"model":     model,
		"retryable": strconv.FormatBool(retryable),
	}
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i]] = kv[i+1]
	}
	return m
}

func newAllModelsUnavailableError(model string, attempts int, lastErr *errors.Error) *errors.Error {
	msg := fmt.Sprintf("no model available for %s: every circuit is open", model)
	md := meta(model, true, "attempts", strconv.Itoa(attempts))
	if lastErr != nil {
		md["last_reason"] = lastErr.Reason
		md["last_message"] = lastErr.Message
	}
	return errors.New(http.StatusServiceUnavailable, ReasonAllModelsUnavailable, msg).WithMetadata(md)
}

func newRateLimitedError(model string, retryAfter time.Duration) *errors.Error {
	return errors.New(http.StatusTooManyRequests, ReasonRateLimited,
		fmt.Sprintf("upstream rate limited %s", model)).
		WithMetadata(meta(model, true, "retry_after", retryAfter.String()))
}

func newRateLimitWaitExceededError(model string, wait, limit time.Duration) *errors.Error {
	return errors.New(http.StatusTooManyRequests, ReasonRateLimitWaitExceeded,
		fmt.Sprintf("admission for %s would wait %s, limit is %s", model, wait.Round(time.Millisecond), limit)).
		WithMetadata(meta(model, true, "wait", wait.String()))
}

func newUpstreamError(model string, status int, message string) *errors.Error {
	retryable := status >= 500 || status == http.StatusRequestTimeout
	code := status
	if code < 400 || code > 599 {
		code = http.StatusBadGateway
	}
	return errors.New(code, ReasonUpstreamError,
		fmt.Sprintf("upstream returned HTTP %d for %s: %s", status, model, message)).
		WithMetadata(meta(model, retryable, "status", strconv.Itoa(status)))
}

func newTransportError(model string, cause error) *errors.Error {
	return errors.New(http.StatusBadGateway, ReasonTransportError,
		fmt.Sprintf("request to %s failed: %v", model, cause)).
		WithMetadata(meta(model, true)).
		WithCause(cause)
}

func newMalformedResponseError(model, detail string) *errors.Error {
	return errors.New(http.StatusBadGateway, ReasonMalformedResponse,
		fmt.Sprintf("unusable response from %s: %s", model, detail)).
		WithMetadata(meta(model, true))
}

func newMissingAPIKeyError(model string) *errors.Error {
	return errors.New(http.StatusUnauthorized, ReasonMissingAPIKey,
		fmt.Sprintf("no API key configured for %s and no default key", model)).
		WithMetadata(meta(model, false))
}

func newInvalidRequestError(format string, args ...interface{}) *errors.Error {
	return errors.BadRequest(ReasonInvalidRequest, fmt.Sprintf(format, args...))
}

// exhausted re-labels the last attempt error with the attempt count.
func exhausted(lastErr *errors.Error, model string, attempts int) *errors.Error {
	if lastErr == nil {
		lastErr = newUpstreamError(model, http.StatusBadGateway, "no attempt completed")
	}
	md := make(map[string]string, len(lastErr.Metadata)+1)
	for k, v := range lastErr.Metadata {
		md[k] = v
	}
	md["attempts"] = strconv.Itoa(attempts)
	return errors.New(int(lastErr.Code), lastErr.Reason,
		fmt.Sprintf("%s (after %d attempts)", lastErr.Message, attempts)).WithMetadata(md)
}

func isContextError(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

func newNoParticipantsError() *errors.Error {
	return errors.BadRequest(ReasonNoParticipants, "a conversation needs at least one participant")
}

// NewConversationNotFoundError is returned by transcript stores for unknown ids.
func NewConversationNotFoundError(id string) *errors.Error {
	return errors.NotFound(ReasonConversationNotFound, fmt.Sprintf("conversation %s not found", id))
}

// IsConversationNotFound reports whether err is a missing-transcript error.
func IsConversationNotFound(err error) bool {
	return errors.Reason(err) == ReasonConversationNotFound
}
