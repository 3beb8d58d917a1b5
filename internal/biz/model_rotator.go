package biz

import (
	"strings"
	"sync"
)

// ModelRotator picks a live model from a primary and ordered backups using
// the shared circuit registry.
type ModelRotator struct {
	mu       sync.Mutex
	primary  string
	backups  []string
	registry *CircuitRegistry
	// cursor is the index of the backup handed out last; -1 before any.
	cursor int
}

// NewModelRotator drops empty ids, duplicates and the primary from backups.
func NewModelRotator(primary string, backups []string, registry *CircuitRegistry) *ModelRotator {
	seen := map[string]bool{primary: true}
	clean := make([]string, 0, len(backups))
	for _, m := range backups {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		clean = append(clean, m)
	}
	return &ModelRotator{
		primary:  primary,
		backups:  clean,
		registry: registry,
		cursor:   -1,
	}
}

// NextAvailable returns the primary when its breaker allows a request,
// otherwise the first allowed backup searching round-robin from the one
// after the last backup handed out. ok is false when every circuit is open.
func (r *ModelRotator) NextAvailable() (string, bool) {
	if r.registry.Get(r.primary).CanRequest() {
		return r.primary, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.backups)
	for i := 0; i < n; i++ {
		idx := (r.cursor + 1 + i) % n
		if r.registry.Get(r.backups[idx]).CanRequest() {
			r.cursor = idx
			return r.backups[idx], true
		}
	}
	return "", false
}

func (r *ModelRotator) RecordSuccess(modelID string) {
	r.registry.Get(modelID).RecordSuccess()
}

func (r *ModelRotator) RecordFailure(modelID string) {
	r.registry.Get(modelID).RecordFailure()
}

// Release hands back a probe permit obtained through NextAvailable.
func (r *ModelRotator) Release(modelID string) {
	r.registry.Get(modelID).Release()
}

// Models lists the primary followed by the cleaned backups.
func (r *ModelRotator) Models() []string {
	return append([]string{r.primary}, r.backups...)
}

func rotatorKey(primary string, backups []string) string {
	return primary + "|" + strings.Join(backups, ",")
}
