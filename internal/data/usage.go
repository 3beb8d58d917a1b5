package data

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"MetaCrew/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// usageWindow is the lifetime of a per-model counter.
const usageWindow = 60 * time.Second

// UsageRepo implements biz.UsageRepo with per-model Redis counters that
// expire one minute after the first attempt in the window.
type UsageRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewUsageRepo creates a new usage repository. A nil Redis client yields a
// repo that returns ErrRedisUnavailable.
func NewUsageRepo(d *Data, logger log.Logger) *UsageRepo {
	return &UsageRepo{
		rdb:    d.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

// RecordAttempt counts one completion attempt against its model. Successful
// attempts add their token usage, 429s bump the rate-limited counter.
func (r *UsageRepo) RecordAttempt(ctx context.Context, rec *model.CompletionRecord) error {
	if r.rdb == nil {
		return ErrRedisUnavailable
	}

	incrs := map[string]int64{"rpm": 1}
	if rec.Outcome == model.AuditOutcomeSuccess && rec.TotalTokens > 0 {
		incrs["tpm"] = int64(rec.TotalTokens)
	}
	if rec.Outcome == model.AuditOutcomeRateLimited {
		incrs["429"] = 1
	}

	pipe := r.rdb.TxPipeline()
	cmds := make(map[string]*redis.IntCmd, len(incrs))
	for counter, n := range incrs {
		cmds[counter] = pipe.IncrBy(ctx, getUsageKey(rec.Model, counter), n)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage for %s: %w", rec.Model, err)
	}

	// Set expiration on first increment, the window starts there
	for counter, cmd := range cmds {
		if cmd.Val() != incrs[counter] {
			continue
		}
		if err := r.rdb.Expire(ctx, getUsageKey(rec.Model, counter), usageWindow).Err(); err != nil {
			r.logger.Warnf("Failed to set usage expiration for %s: %v", getUsageKey(rec.Model, counter), err)
			// Don't return error, counter is still incremented
		}
	}
	return nil
}

// GetModelUsage reads the current window for modelID. Missing counters read
// as zero.
func (r *UsageRepo) GetModelUsage(ctx context.Context, modelID string) (*model.ModelUsage, error) {
	if r.rdb == nil {
		return nil, ErrRedisUnavailable
	}

	vals, err := r.rdb.MGet(ctx,
		getUsageKey(modelID, "rpm"),
		getUsageKey(modelID, "tpm"),
		getUsageKey(modelID, "429"),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	counts := make([]int64, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Key doesn't exist
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse usage count: %w", err)
		}
		counts[i] = n
	}

	return &model.ModelUsage{
		Model:             modelID,
		RequestsPerMinute: counts[0],
		TokensPerMinute:   counts[1],
		RateLimited:       counts[2],
	}, nil
}

// getUsageKey generates a Redis key for usage counting.
// Format: usage:{model}:{type}
// Example: usage:openai/gpt-4o:rpm
func getUsageKey(modelID, counter string) string {
	return fmt.Sprintf("usage:%s:%s", modelID, counter)
}
