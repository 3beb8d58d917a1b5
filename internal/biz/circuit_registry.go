package biz

import (
	"context"
	"sort"
	"sync"
	"time"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/model"
	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
)

// circuitSideEffectTimeout bounds each notifier/repo call made on a transition.
const circuitSideEffectTimeout = 2 * time.Second

// CircuitRegistry owns exactly one CircuitBreaker per model id. Breakers are
// created on first use and live for the life of the process, so every
// rotator naming a model shares its circuit.
type CircuitRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	cfg      CircuitBreakerConfig
	now      func() time.Time
	notifier CircuitNotifier
	repo     CircuitStateRepo
	logger   *pkglog.LogHelper

	// pending tracks side-effect goroutines so tests and shutdown can wait.
	pending sync.WaitGroup
}

// NewCircuitRegistry creates a registry. notifier and repo may be nil.
func NewCircuitRegistry(c *conf.CircuitBreaker, notifier CircuitNotifier, repo CircuitStateRepo, logger log.Logger) *CircuitRegistry {
	return &CircuitRegistry{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      NewCircuitBreakerConfig(c),
		now:      time.Now,
		notifier: notifier,
		repo:     repo,
		logger:   pkglog.NewLogHelper(logger),
	}
}

// Get returns the breaker for modelID, creating it if needed.
func (r *CircuitRegistry) Get(modelID string) *CircuitBreaker {
	r.mu.RLock()
	b, ok := r.breakers[modelID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[modelID]; ok {
		return b
	}
	b = NewCircuitBreaker(modelID, r.cfg, r.now, func(tr CircuitTransition) {
		r.handleTransition(tr)
	})
	r.breakers[modelID] = b
	return b
}

// Snapshots returns every known breaker ordered by model id.
func (r *CircuitRegistry) Snapshots() []model.CircuitSnapshot {
	r.mu.RLock()
	out := make([]model.CircuitSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Restore seeds breakers from the repo. Without a repo it does nothing.
func (r *CircuitRegistry) Restore(ctx context.Context) (int, error) {
	if r.repo == nil {
		return 0, nil
	}
	snapshots, err := r.repo.LoadCircuitStates(ctx)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, s := range snapshots {
		if s == nil || s.State == model.CircuitClosed {
			continue
		}
		r.Get(s.Model).Restore(*s)
		restored++
	}
	return restored, nil
}

// Persist writes every snapshot to the repo, returning the first error.
func (r *CircuitRegistry) Persist(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	var firstErr error
	saved := 0
	for _, s := range r.Snapshots() {
		s := s
		if err := r.repo.SaveCircuitState(ctx, &s); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		saved++
	}
	if saved > 0 {
		r.logger.Success("circuit states persisted", "count", saved)
	}
	return firstErr
}

// Wait blocks until queued transition side effects have finished.
func (r *CircuitRegistry) Wait() {
	r.pending.Wait()
}

func (r *CircuitRegistry) handleTransition(tr CircuitTransition) {
	s := tr.Snapshot
	r.logger.Circuit("circuit state changed",
		"model", s.Model,
		"from", tr.From.String(),
		"to", tr.To.String(),
		"failure_count", s.FailureCount,
		"timeout", s.CurrentTimeout.String())

	if r.notifier == nil && r.repo == nil {
		return
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), circuitSideEffectTimeout)
		defer cancel()

		if r.notifier != nil {
			var err error
			switch {
			case tr.To == model.CircuitOpen:
				err = r.notifier.NotifyCircuitOpened(ctx, &model.CircuitOpenedEvent{
					Model:         s.Model,
					FailureCount:  s.FailureCount,
					RetryAfter:    s.CurrentTimeout,
					FromHalfOpen:  tr.From == model.CircuitHalfOpen,
					CircuitOpenAt: s.UpdatedAt,
				})
			case tr.From == model.CircuitHalfOpen && tr.To == model.CircuitClosed:
				err = r.notifier.NotifyCircuitRecovered(ctx, &model.CircuitRecoveredEvent{
					Model:       s.Model,
					OpenFor:     s.UpdatedAt.Sub(tr.OpenedAt),
					RecoveredAt: s.UpdatedAt,
				})
			}
			if err != nil {
				r.logger.Warnw("msg", "circuit notification failed", "model", s.Model, "error", err)
			}
		}

		if r.repo != nil {
			if err := r.repo.SaveCircuitState(ctx, &s); err != nil {
				r.logger.Warnw("msg", "failed to persist circuit state (degraded)", "model", s.Model, "error", err)
			}
		}
	}()
}
