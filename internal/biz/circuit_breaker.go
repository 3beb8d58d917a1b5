package biz

import (
	"sync"
	"time"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/model"
)

// CircuitBreakerConfig tunes every per-model breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// TimeoutFactor multiplies the recovery timeout after a failed probe.
	TimeoutFactor float64
	MaxTimeout    time.Duration
}

// DefaultCircuitBreakerConfig returns threshold 5, recovery 30s, factor 2, cap 300s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		TimeoutFactor:    2.0,
		MaxTimeout:       300 * time.Second,
	}
}

// NewCircuitBreakerConfig reads c, keeping defaults for unset fields.
func NewCircuitBreakerConfig(c *conf.CircuitBreaker) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if c == nil {
		return cfg
	}
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = int(c.FailureThreshold)
	}
	if d := c.RecoveryTimeout.AsDuration(); d > 0 {
		cfg.RecoveryTimeout = d
	}
	if c.TimeoutFactor >= 1 {
		cfg.TimeoutFactor = c.TimeoutFactor
	}
	if d := c.MaxTimeout.AsDuration(); d > 0 {
		cfg.MaxTimeout = d
	}
	return cfg
}

// CircuitTransition describes one state change of a breaker.
type CircuitTransition struct {
	From     model.CircuitState
	To       model.CircuitState
	Snapshot model.CircuitSnapshot
	// OpenedAt is when the breaker last left Closed.
	OpenedAt time.Time
}

// CircuitBreaker tracks consecutive failures for one model.
//
// Closed lets requests through. Open fails fast until the current timeout
// has elapsed since the last failure, then moves to HalfOpen and grants a
// single probe. While that probe is outstanding every other caller is
// refused; the probe resolves through RecordSuccess, RecordFailure or
// Release.
type CircuitBreaker struct {
	mu sync.Mutex

	model          string
	cfg            CircuitBreakerConfig
	state          model.CircuitState
	failureCount   int
	lastFailure    time.Time
	openedAt       time.Time
	currentTimeout time.Duration
	probing        bool

	now          func() time.Time
	onTransition func(CircuitTransition)
}

// NewCircuitBreaker creates a Closed breaker. now and onTransition may be nil.
func NewCircuitBreaker(modelID string, cfg CircuitBreakerConfig, now func() time.Time, onTransition func(CircuitTransition)) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		model:          modelID,
		cfg:            cfg,
		state:          model.CircuitClosed,
		currentTimeout: cfg.RecoveryTimeout,
		now:            now,
		onTransition:   onTransition,
	}
}

// CanRequest reports whether a request may be sent now.
func (b *CircuitBreaker) CanRequest() bool {
	b.mu.Lock()
	var tr *CircuitTransition
	allowed := false

	switch b.state {
	case model.CircuitClosed:
		allowed = true
	case model.CircuitOpen:
		if b.now().Sub(b.lastFailure) >= b.currentTimeout {
			tr = b.transitionLocked(model.CircuitHalfOpen)
			b.probing = true
			allowed = true
		}
	case model.CircuitHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}

	b.mu.Unlock()
	b.emit(tr)
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	var tr *CircuitTransition

	b.failureCount = 0
	b.probing = false
	if b.state == model.CircuitHalfOpen {
		b.currentTimeout = b.cfg.RecoveryTimeout
		tr = b.transitionLocked(model.CircuitClosed)
	}

	b.mu.Unlock()
	b.emit(tr)
}

// RecordFailure counts a failure. Closed trips to Open at the threshold; a
// failed half-open probe reopens with the timeout multiplied by the factor.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	var tr *CircuitTransition

	b.failureCount++
	b.lastFailure = b.now()

	switch b.state {
	case model.CircuitClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.openedAt = b.lastFailure
			tr = b.transitionLocked(model.CircuitOpen)
		}
	case model.CircuitHalfOpen:
		b.probing = false
		next := time.Duration(float64(b.currentTimeout) * b.cfg.TimeoutFactor)
		if next > b.cfg.MaxTimeout {
			next = b.cfg.MaxTimeout
		}
		b.currentTimeout = next
		tr = b.transitionLocked(model.CircuitOpen)
	}

	b.mu.Unlock()
	b.emit(tr)
}

// Release returns an unused half-open probe permit without judging the
// model, e.g. when the caller gave up before sending.
func (b *CircuitBreaker) Release() {
	b.mu.Lock()
	if b.state == model.CircuitHalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// State returns the current state without side effects.
func (b *CircuitBreaker) State() model.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker state.
func (b *CircuitBreaker) Snapshot() model.CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Restore loads persisted state. Closed snapshots are ignored; Open and
// HalfOpen snapshots come back as Open so the next probe waits for the
// remaining cooldown.
func (b *CircuitBreaker) Restore(s model.CircuitSnapshot) {
	if s.State == model.CircuitClosed || s.LastFailureAt == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = model.CircuitOpen
	b.failureCount = s.FailureCount
	b.lastFailure = *s.LastFailureAt
	b.openedAt = *s.LastFailureAt
	b.probing = false
	if s.CurrentTimeout > 0 {
		b.currentTimeout = s.CurrentTimeout
	}
}

func (b *CircuitBreaker) snapshotLocked() model.CircuitSnapshot {
	s := model.CircuitSnapshot{
		Model:          b.model,
		State:          b.state,
		FailureCount:   b.failureCount,
		CurrentTimeout: b.currentTimeout,
		UpdatedAt:      b.now(),
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailureAt = &t
	}
	return s
}

func (b *CircuitBreaker) transitionLocked(to model.CircuitState) *CircuitTransition {
	from := b.state
	b.state = to
	if b.onTransition == nil {
		return nil
	}
	return &CircuitTransition{From: from, To: to, Snapshot: b.snapshotLocked(), OpenedAt: b.openedAt}
}

// emit runs the observer outside the lock.
func (b *CircuitBreaker) emit(tr *CircuitTransition) {
	if tr != nil {
		b.onTransition(*tr)
	}
}
