package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"MetaCrew/internal/model"
	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// Hash fields of circuit:{model}.
const (
	fieldState        = "state"
	fieldFailureCount = "failure_count"
	fieldTimeoutMs    = "timeout_ms"
	fieldLastFailure  = "last_failure_ms"
	fieldUpdatedAt    = "updated_at_ms"
)

// CircuitStateRepo implements the biz CircuitStateRepo interface on Redis
// hashes so breaker state survives restarts.
type CircuitStateRepo struct {
	cache  CacheClient
	rdb    *redis.Client
	ttl    time.Duration
	logger *pkglog.LogHelper
}

// NewCircuitStateRepo creates a new circuit snapshot repository.
func NewCircuitStateRepo(d *Data, logger log.Logger) *CircuitStateRepo {
	return &CircuitStateRepo{
		cache:  d.GetCache(),
		rdb:    d.GetRedisClient(),
		ttl:    TTLCircuit,
		logger: pkglog.NewLogHelper(logger),
	}
}

// SaveCircuitState writes one snapshot and refreshes its TTL.
func (r *CircuitStateRepo) SaveCircuitState(ctx context.Context, s *model.CircuitSnapshot) error {
	if r.rdb == nil {
		return ErrRedisUnavailable
	}

	key := BuildCacheKey(CacheKeyCircuit, s.Model)
	fields := map[string]interface{}{
		fieldState:        string(s.State),
		fieldFailureCount: s.FailureCount,
		fieldTimeoutMs:    s.CurrentTimeout.Milliseconds(),
		fieldUpdatedAt:    s.UpdatedAt.UnixMilli(),
	}
	if s.LastFailureAt != nil {
		fields[fieldLastFailure] = s.LastFailureAt.UnixMilli()
	}

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save circuit state for %s: %w", s.Model, err)
	}

	r.logger.Redis("circuit state saved", "model", s.Model, "state", s.State)
	return nil
}

// LoadCircuitStates scans circuit:* and decodes every snapshot. Entries
// that cannot be decoded are skipped with a warning and removed.
func (r *CircuitStateRepo) LoadCircuitStates(ctx context.Context) ([]*model.CircuitSnapshot, error) {
	if r.rdb == nil {
		return nil, ErrRedisUnavailable
	}

	var out []*model.CircuitSnapshot
	prefix := CacheKeyCircuit + ":"
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		values, err := r.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		s, err := decodeSnapshot(key[len(prefix):], values)
		if err != nil {
			r.logger.Warnw("skipping unreadable circuit snapshot", "key", key, "error", err)
			if err := r.cache.Delete(ctx, key); err != nil {
				r.logger.Warnw("failed to remove unreadable circuit snapshot", "key", key, "error", err)
			}
			continue
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan circuit snapshots: %w", err)
	}
	return out, nil
}

func decodeSnapshot(modelID string, v map[string]string) (*model.CircuitSnapshot, error) {
	state := model.CircuitState(v[fieldState])
	switch state {
	case model.CircuitClosed, model.CircuitOpen, model.CircuitHalfOpen:
	default:
		return nil, fmt.Errorf("unknown state %q", v[fieldState])
	}

	failures, err := strconv.Atoi(v[fieldFailureCount])
	if err != nil {
		return nil, fmt.Errorf("failure_count: %w", err)
	}
	timeoutMs, err := strconv.ParseInt(v[fieldTimeoutMs], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("timeout_ms: %w", err)
	}

	s := &model.CircuitSnapshot{
		Model:          modelID,
		State:          state,
		FailureCount:   failures,
		CurrentTimeout: time.Duration(timeoutMs) * time.Millisecond,
	}
	if raw, ok := v[fieldLastFailure]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("last_failure_ms: %w", err)
		}
		t := time.UnixMilli(ms).UTC()
		s.LastFailureAt = &t
	}
	if raw, ok := v[fieldUpdatedAt]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.UpdatedAt = time.UnixMilli(ms).UTC()
		}
	}
	return s, nil
}
