package biz

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"MetaCrew/internal/conf"
	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

const (
	// hintTTL is how long a rate-limit header hint stays authoritative.
	hintTTL = 60 * time.Second
	// hintDrain is how many global tokens a zero-remaining hint removes.
	hintDrain = 5
)

// RateLimitHint is the last X-RateLimit-* header set seen for a model.
type RateLimitHint struct {
	Limit        int
	Remaining    int
	HasLimit     bool
	HasRemaining bool
	ResetAt      time.Time
	ObservedAt   time.Time
}

// Exhausted reports a fresh hint with no remaining requests.
func (h RateLimitHint) Exhausted(now time.Time) bool {
	return h.HasRemaining && h.Remaining == 0 && now.Sub(h.ObservedAt) < hintTTL
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) refill(now time.Time, capacity, rate float64) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(capacity, b.tokens+elapsed*rate)
		b.lastRefill = now
	}
}

// TokenBucketLimiter admits requests against a global bucket and one bucket
// per model, all guarded by a single mutex so refill and consume are atomic.
type TokenBucketLimiter struct {
	mu sync.Mutex

	capacity          float64
	refillRate        float64
	jitter            float64
	requestsPerMinute int

	global *bucket
	models map[string]*bucket
	hints  map[string]RateLimitHint

	now    func() time.Time
	random func() float64
	logger *pkglog.LogHelper
}

// NewTokenBucketLimiter builds a limiter from c. A zero refill rate is
// kept: buckets never regenerate and an empty bucket waits
// 1m / requests_per_minute.
func NewTokenBucketLimiter(c *conf.RateLimit, logger log.Logger) *TokenBucketLimiter {
	capacity, rate, jitter, rpm := 20.0, 0.33, 0.2, 20
	if c != nil {
		if c.BucketCapacity > 0 {
			capacity = c.BucketCapacity
		}
		if c.RequestsPerMinute > 0 {
			rpm = int(c.RequestsPerMinute)
		}
		if c.RefillRate >= 0 {
			rate = c.RefillRate
		}
		if c.JitterFactor >= 0 && c.JitterFactor <= 1 {
			jitter = c.JitterFactor
		}
	}
	return newTokenBucketLimiter(capacity, rate, jitter, rpm, time.Now, rand.Float64, logger)
}

func newTokenBucketLimiter(capacity, rate, jitter float64, rpm int, now func() time.Time, random func() float64, logger log.Logger) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		capacity:          capacity,
		refillRate:        rate,
		jitter:            jitter,
		requestsPerMinute: rpm,
		global:            &bucket{tokens: capacity, lastRefill: now()},
		models:            make(map[string]*bucket),
		hints:             make(map[string]RateLimitHint),
		now:               now,
		random:            random,
		logger:            pkglog.NewLogHelper(logger),
	}
}

// Acquire takes one token from the global and the model bucket and returns
// zero, or returns how long to wait before trying again without consuming.
func (l *TokenBucketLimiter) Acquire(modelID string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.global.refill(now, l.capacity, l.refillRate)
	mb := l.modelBucketLocked(modelID, now)
	mb.refill(now, l.capacity, l.refillRate)

	if h, ok := l.hints[modelID]; ok && h.Exhausted(now) && !h.ResetAt.IsZero() {
		if wait := h.ResetAt.Sub(now); wait > 0 {
			return wait
		}
	}

	if l.global.tokens < 1 || mb.tokens < 1 {
		need := 1 - math.Min(l.global.tokens, mb.tokens)
		var wait time.Duration
		if l.refillRate > 0 {
			wait = time.Duration(need / l.refillRate * float64(time.Second))
		} else {
			wait = l.emptyBucketWait()
		}
		wait += time.Duration(float64(wait) * l.jitter * l.random())
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait
	}

	l.global.tokens--
	mb.tokens--
	return 0
}

// emptyBucketWait is the wait used when tokens never regenerate.
func (l *TokenBucketLimiter) emptyBucketWait() time.Duration {
	if l.requestsPerMinute > 0 {
		return time.Minute / time.Duration(l.requestsPerMinute)
	}
	return time.Second
}

// UpdateHints records X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset. Reset is epoch milliseconds; values below 1e12 are read
// as epoch seconds. A zero remaining count empties the model bucket and
// drains the global bucket.
func (l *TokenBucketLimiter) UpdateHints(modelID string, header http.Header) {
	if header == nil {
		return
	}
	limitStr := strings.TrimSpace(header.Get("X-RateLimit-Limit"))
	remainingStr := strings.TrimSpace(header.Get("X-RateLimit-Remaining"))
	resetStr := strings.TrimSpace(header.Get("X-RateLimit-Reset"))
	if limitStr == "" && remainingStr == "" && resetStr == "" {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	h := RateLimitHint{ObservedAt: now}
	if v, err := strconv.Atoi(limitStr); err == nil {
		h.Limit, h.HasLimit = v, true
	}
	if v, err := strconv.Atoi(remainingStr); err == nil {
		h.Remaining, h.HasRemaining = v, true
	}
	if v, err := strconv.ParseInt(resetStr, 10, 64); err == nil && v > 0 {
		if v >= 1e12 {
			h.ResetAt = time.UnixMilli(v)
		} else {
			h.ResetAt = time.Unix(v, 0)
		}
	}
	l.hints[modelID] = h

	if h.HasRemaining && h.Remaining == 0 {
		l.modelBucketLocked(modelID, now).tokens = 0
		l.global.tokens = math.Max(0, l.global.tokens-hintDrain)
		l.logger.RateLimit("upstream reports no remaining requests",
			"model", modelID,
			"limit", h.Limit,
			"reset_at", h.ResetAt)
	}
}

// Hint returns the stored hint for modelID.
func (l *TokenBucketLimiter) Hint(modelID string) (RateLimitHint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hints[modelID]
	return h, ok
}

// Tokens reports the global and model bucket levels without refilling.
func (l *TokenBucketLimiter) Tokens(modelID string) (global, perModel float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	global = l.global.tokens
	if b, ok := l.models[modelID]; ok {
		perModel = b.tokens
	} else {
		perModel = global
	}
	return global, perModel
}

// PruneHints drops stale hints and returns how many were removed.
func (l *TokenBucketLimiter) PruneHints() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	removed := 0
	for m, h := range l.hints {
		if now.Sub(h.ObservedAt) >= hintTTL {
			delete(l.hints, m)
			removed++
		}
	}
	return removed
}

// modelBucketLocked returns the bucket for modelID; a new bucket starts at
// the current global level.
func (l *TokenBucketLimiter) modelBucketLocked(modelID string, now time.Time) *bucket {
	b, ok := l.models[modelID]
	if !ok {
		b = &bucket{tokens: math.Min(l.capacity, l.global.tokens), lastRefill: now}
		l.models[modelID] = b
	}
	return b
}

// Pacer spaces consecutive sends by a fixed minimum delay, independent of
// the token buckets.
type Pacer struct {
	mu    sync.Mutex
	delay time.Duration
	next  time.Time
	now   func() time.Time
}

func NewPacer(delay time.Duration) *Pacer {
	return &Pacer{delay: delay, now: time.Now}
}

// Reserve claims the next send slot and returns how long to wait for it.
func (p *Pacer) Reserve() time.Duration {
	if p.delay <= 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	slot := now
	if p.next.After(slot) {
		slot = p.next
	}
	p.next = slot.Add(p.delay)
	return slot.Sub(now)
}
