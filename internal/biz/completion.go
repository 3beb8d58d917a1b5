package biz

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/model"
	pkglog "MetaCrew/pkg/log"
	"MetaCrew/pkg/openrouter"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/semaphore"
)

// EndpointChatCompletions is the default RequestKey endpoint.
const EndpointChatCompletions = "chat/completions"

// auditResponseLimit caps the response text copied into audit records.
const auditResponseLimit = 4000

// ChatSender performs one chat completion exchange. A non-nil error means
// no HTTP response was received.
type ChatSender interface {
	Send(ctx context.Context, apiKey string, req *openrouter.ChatRequest, timeout time.Duration) (*openrouter.RawResponse, error)
}

// ModelCatalog lists the models offered upstream.
type ModelCatalog interface {
	ListModels(ctx context.Context, apiKey string) ([]openrouter.Model, error)
}

// CompletionRequest asks for one completion. BackupModels are rotated
// through when the primary's circuit is open.
type CompletionRequest struct {
	Model        string
	BackupModels []string
	Messages     []openrouter.Message
	Temperature  float64
	MaxTokens    int
	// Role is the participant the request is made for; used for audit only.
	Role     string
	Endpoint string
}

func (r *CompletionRequest) endpoint() string {
	if r.Endpoint == "" {
		return EndpointChatCompletions
	}
	return r.Endpoint
}

// RequestKey scopes retry backoff state.
type RequestKey struct {
	Model    string
	Endpoint string
}

// CompletionUsecase is the retrying HTTP adapter: it picks a live model,
// waits for admission, sends, and feeds the outcome back into the circuit
// breakers, limiter hints and backoff state.
type CompletionUsecase struct {
	sender   ChatSender
	catalog  ModelCatalog
	registry *CircuitRegistry
	limiter  *TokenBucketLimiter
	pacer    *Pacer
	creds    *CredentialStore
	caps     *CapabilityTable
	cache    *CompletionCache
	audit    AuditLogger
	inflight *semaphore.Weighted

	maxRetries    int
	backoffBase   time.Duration
	backoffMax    time.Duration
	maxWait       time.Duration
	fallbackDelay time.Duration

	mu       sync.Mutex
	rotators map[string]*ModelRotator
	backoffs map[RequestKey]*backoff.ExponentialBackOff

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	log   *pkglog.LogHelper
}

// NewCompletionUsecase wires the adapter. audit may be nil.
func NewCompletionUsecase(
	c *conf.RateLimit,
	sender ChatSender,
	catalog ModelCatalog,
	registry *CircuitRegistry,
	limiter *TokenBucketLimiter,
	creds *CredentialStore,
	caps *CapabilityTable,
	cache *CompletionCache,
	audit AuditLogger,
	logger log.Logger,
) *CompletionUsecase {
	maxRetries := 3
	if c == nil {
		c = &conf.RateLimit{}
	} else if c.MaxRetries >= 0 {
		// zero is valid and means a single attempt
		maxRetries = int(c.MaxRetries)
	}
	if audit == nil {
		audit = noopAuditLogger{}
	}
	parallel := int64(3)
	if c.MaxParallel > 0 {
		parallel = int64(c.MaxParallel)
	}
	return &CompletionUsecase{
		sender:        sender,
		catalog:       catalog,
		registry:      registry,
		limiter:       limiter,
		pacer:         NewPacer(durationOr(c.RequestDelay.AsDuration(), 500*time.Millisecond)),
		creds:         creds,
		caps:          caps,
		cache:         cache,
		audit:         audit,
		inflight:      semaphore.NewWeighted(parallel),
		maxRetries:    maxRetries,
		backoffBase:   durationOr(c.BackoffBase.AsDuration(), 2*time.Second),
		backoffMax:    durationOr(c.BackoffMax.AsDuration(), 60*time.Second),
		maxWait:       durationOr(c.MaxWait.AsDuration(), 5*time.Minute),
		fallbackDelay: durationOr(c.FallbackDelay.AsDuration(), time.Second),
		rotators:      make(map[string]*ModelRotator),
		backoffs:      make(map[RequestKey]*backoff.ExponentialBackOff),
		sleep:         sleepContext,
		now:           time.Now,
		log:           pkglog.NewLogHelper(logger),
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// GenerateCompletion runs up to max_retries+1 attempts. Terminal failures
// (missing key, admission wait exceeded, every circuit open) return at
// once; cancellation returns the context error.
func (uc *CompletionUsecase) GenerateCompletion(ctx context.Context, req *CompletionRequest) (*openrouter.ChatResponse, error) {
	if req == nil || strings.TrimSpace(req.Model) == "" {
		return nil, newInvalidRequestError("model is required")
	}
	if len(req.Messages) == 0 {
		return nil, newInvalidRequestError("messages are required")
	}

	rot := uc.rotator(req.Model, req.BackupModels)
	var lastErr *errors.Error
	attempts := 0

	for attempt := 0; attempt <= uc.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		modelID, ok := rot.NextAvailable()
		if !ok {
			uc.log.Circuit("all circuits open", "model", req.Model, "candidates", strings.Join(rot.Models(), ","))
			return nil, newAllModelsUnavailableError(req.Model, attempts, lastErr)
		}
		attempts++

		resp, wait, err := uc.attempt(ctx, rot, modelID, req, attempts)
		if err == nil {
			return resp, nil
		}
		if isContextError(err) {
			return nil, err
		}
		lastErr = errors.FromError(err)
		if lastErr.Reason == ReasonMissingAPIKey || lastErr.Reason == ReasonRateLimitWaitExceeded {
			return nil, lastErr
		}
		if attempt == uc.maxRetries {
			break
		}
		uc.log.CompletionFailed(ctx, "completion attempt failed, retrying",
			"model", modelID, "attempt", attempts, "reason", lastErr.Reason, "wait", wait.String())
		if err := uc.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, exhausted(lastErr, req.Model, attempts)
}

// GenerateCompletionWithFallback tries the primary, then each backup in
// order, pausing fallback_delay between candidates. It returns the first
// success or the last error.
func (uc *CompletionUsecase) GenerateCompletionWithFallback(ctx context.Context, req *CompletionRequest) (*openrouter.ChatResponse, error) {
	if req == nil {
		return nil, newInvalidRequestError("request is required")
	}
	candidates := append([]string{req.Model}, req.BackupModels...)
	var lastErr error
	for i, modelID := range candidates {
		if strings.TrimSpace(modelID) == "" {
			continue
		}
		if i > 0 && lastErr != nil {
			uc.log.Completion(ctx, "falling back to backup model", "model", modelID, "previous_error", lastErr.Error())
			if err := uc.sleep(ctx, uc.fallbackDelay); err != nil {
				return nil, err
			}
		}
		single := *req
		single.Model = modelID
		single.BackupModels = nil
		resp, err := uc.GenerateCompletion(ctx, &single)
		if err == nil {
			return resp, nil
		}
		if isContextError(err) {
			return nil, err
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, newInvalidRequestError("model is required")
	}
	return nil, lastErr
}

// attempt performs one admission + send. wait is the backoff to apply
// before the next attempt.
func (uc *CompletionUsecase) attempt(ctx context.Context, rot *ModelRotator, modelID string, req *CompletionRequest, n int) (*openrouter.ChatResponse, time.Duration, error) {
	key := RequestKey{Model: modelID, Endpoint: req.endpoint()}

	var cacheKey string
	if uc.cache.Enabled() {
		cacheKey = uc.cache.Key(modelID, req)
		if resp, ok := uc.cache.Get(cacheKey); ok {
			rot.Release(modelID)
			uc.log.Cache("completion cache hit", "model", modelID)
			return resp, 0, nil
		}
	}

	apiKey := uc.creds.KeyFor(modelID)
	if apiKey == "" {
		rot.Release(modelID)
		return nil, 0, newMissingAPIKeyError(modelID)
	}

	if err := uc.admit(ctx, modelID); err != nil {
		rot.Release(modelID)
		return nil, 0, err
	}
	if err := uc.inflight.Acquire(ctx, 1); err != nil {
		rot.Release(modelID)
		return nil, 0, err
	}

	start := uc.now()
	raw, err := uc.sender.Send(ctx, apiKey, &openrouter.ChatRequest{
		Model:       modelID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, uc.caps.Timeout(modelID))
	uc.inflight.Release(1)
	latency := uc.now().Sub(start)

	role := req.Role
	if role == "" {
		role = pkglog.GetRole(ctx)
	}
	record := &model.CompletionRecord{
		RequestID:      pkglog.GetRequestID(ctx),
		ConversationID: pkglog.GetConversationID(ctx),
		Model:          modelID,
		Role:           role,
		Attempt:        n,
		LatencyMs:      latency.Milliseconds(),
		CreatedAt:      start.UTC(),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			rot.Release(modelID)
			return nil, 0, ctxErr
		}
		rot.RecordFailure(modelID)
		terr := newTransportError(modelID, err)
		uc.record(ctx, record, model.AuditOutcomeError, 0, "", terr.Message)
		return nil, uc.nextBackoff(key), terr
	}

	uc.limiter.UpdateHints(modelID, raw.Header)

	switch raw.StatusCode {
	case http.StatusOK:
		resp, derr := raw.Decode()
		var content string
		ok := false
		if derr == nil {
			content, ok = resp.Content()
		}
		if !ok {
			detail := "no choices in response"
			if derr != nil {
				detail = derr.Error()
			}
			rot.RecordFailure(modelID)
			merr := newMalformedResponseError(modelID, detail)
			uc.record(ctx, record, model.AuditOutcomeError, raw.StatusCode, "", merr.Message)
			return nil, uc.nextBackoff(key), merr
		}
		rot.RecordSuccess(modelID)
		uc.resetBackoff(key)
		if cacheKey != "" {
			uc.cache.Add(cacheKey, resp)
		}
		if resp.Usage != nil {
			record.TotalTokens = resp.Usage.TotalTokens
		}
		uc.record(ctx, record, model.AuditOutcomeSuccess, raw.StatusCode, content, "")
		uc.log.Completion(ctx, "completion succeeded", "model", modelID, "attempt", n, "latency_ms", record.LatencyMs)
		return resp, 0, nil

	case http.StatusTooManyRequests:
		rot.Release(modelID)
		wait := retryAfter(raw.Header, uc.now())
		if wait <= 0 {
			wait = uc.nextBackoff(key)
		}
		rerr := newRateLimitedError(modelID, wait)
		uc.record(ctx, record, model.AuditOutcomeRateLimited, raw.StatusCode, "", raw.ErrorMessage())
		uc.log.RateLimit("upstream rate limited", "model", modelID, "retry_after", wait.String())
		return nil, wait, rerr

	default:
		rot.RecordFailure(modelID)
		uerr := newUpstreamError(modelID, raw.StatusCode, raw.ErrorMessage())
		uc.record(ctx, record, model.AuditOutcomeError, raw.StatusCode, "", uerr.Message)
		return nil, uc.nextBackoff(key), uerr
	}
}

// admit waits for a limiter token and then for the pacer slot. The summed
// limiter wait may not exceed max_wait.
func (uc *CompletionUsecase) admit(ctx context.Context, modelID string) error {
	var waited time.Duration
	for {
		wait := uc.limiter.Acquire(modelID)
		if wait <= 0 {
			break
		}
		if uc.maxWait > 0 && waited+wait > uc.maxWait {
			return newRateLimitWaitExceededError(modelID, waited+wait, uc.maxWait)
		}
		uc.log.RateLimit("waiting for rate limiter", "model", modelID, "wait", wait.String())
		if err := uc.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
	if d := uc.pacer.Reserve(); d > 0 {
		return uc.sleep(ctx, d)
	}
	return nil
}

func (uc *CompletionUsecase) record(ctx context.Context, rec *model.CompletionRecord, outcome string, status int, response, errMsg string) {
	rec.Outcome = outcome
	rec.Status = status
	if len(response) > auditResponseLimit {
		response = response[:auditResponseLimit]
		// back off to a rune boundary so sinks get valid UTF-8
		for len(response) > 0 && !utf8.ValidString(response) {
			response = response[:len(response)-1]
		}
	}
	rec.Response = response
	rec.Error = errMsg
	uc.audit.LogCompletion(ctx, rec)
}

func (uc *CompletionUsecase) rotator(primary string, backups []string) *ModelRotator {
	key := rotatorKey(primary, backups)
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if r, ok := uc.rotators[key]; ok {
		return r
	}
	r := NewModelRotator(primary, backups, uc.registry)
	uc.rotators[key] = r
	return r
}

// nextBackoff returns min(backoff_max, backoff_base * 2^n) where n counts
// consecutive failures for key.
func (uc *CompletionUsecase) nextBackoff(key RequestKey) time.Duration {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	b, ok := uc.backoffs[key]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = uc.backoffBase
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.MaxInterval = uc.backoffMax
		b.MaxElapsedTime = 0
		b.Reset()
		uc.backoffs[key] = b
	}
	d := b.NextBackOff()
	if d == backoff.Stop || d > uc.backoffMax {
		d = uc.backoffMax
	}
	return d
}

func (uc *CompletionUsecase) resetBackoff(key RequestKey) {
	uc.mu.Lock()
	delete(uc.backoffs, key)
	uc.mu.Unlock()
}

// ListModels returns the upstream catalogue using the default key.
func (uc *CompletionUsecase) ListModels(ctx context.Context) ([]openrouter.Model, error) {
	key := uc.creds.DefaultKey()
	if key == "" {
		return nil, newMissingAPIKeyError("*")
	}
	models, err := uc.catalog.ListModels(ctx, key)
	if err != nil {
		if isContextError(err) {
			return nil, err
		}
		return nil, newTransportError("*", err)
	}
	return models, nil
}

// FreeModels returns the zero-priced part of the catalogue.
func (uc *CompletionUsecase) FreeModels(ctx context.Context) ([]openrouter.Model, error) {
	models, err := uc.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	return openrouter.FreeModels(models), nil
}

// Circuits returns a snapshot of every known breaker.
func (uc *CompletionUsecase) Circuits() []model.CircuitSnapshot {
	return uc.registry.Snapshots()
}

// retryAfter parses Retry-After as delay-seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
