package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MetaCrew/internal/conf"
	"MetaCrew/internal/model"
	pkglog "MetaCrew/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// ErrTranscriptNotFound is returned by GetTranscript for unknown ids.
var ErrTranscriptNotFound = errors.New("transcript not found")

// TranscriptRepo stores finished conversations as JSON under
// conversation:{id} and indexes them in a sorted set by creation time.
type TranscriptRepo struct {
	cache  CacheClient
	rdb    *redis.Client
	ttl    time.Duration
	logger *pkglog.LogHelper
}

// NewTranscriptRepo creates a new transcript repository.
func NewTranscriptRepo(d *Data, c *conf.Conversation, logger log.Logger) *TranscriptRepo {
	ttl := TTLConversation
	if c != nil {
		if v := c.TranscriptTtl.AsDuration(); v > 0 {
			ttl = v
		}
	}
	return &TranscriptRepo{
		cache:  d.GetCache(),
		rdb:    d.GetRedisClient(),
		ttl:    ttl,
		logger: pkglog.NewLogHelper(logger),
	}
}

// SaveTranscript stores t and records it in the recent index. Index entries
// older than the TTL are trimmed on each save.
func (r *TranscriptRepo) SaveTranscript(ctx context.Context, t *model.Transcript) error {
	if r.rdb == nil {
		return ErrRedisUnavailable
	}

	if err := r.cache.Set(ctx, BuildCacheKey(CacheKeyConversation, t.ID), t, r.ttl); err != nil {
		return err
	}

	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	pipe := r.rdb.Pipeline()
	pipe.ZAdd(ctx, KeyRecentConversations, redis.Z{Score: float64(created.UnixMilli()), Member: t.ID})
	pipe.ZRemRangeByScore(ctx, KeyRecentConversations, "-inf",
		fmt.Sprintf("(%d", time.Now().Add(-r.ttl).UnixMilli()))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index transcript %s: %w", t.ID, err)
	}

	r.logger.Redis("transcript saved", "conversation_id", t.ID, "turns", t.Turns)
	return nil
}

// GetTranscript loads one transcript.
func (r *TranscriptRepo) GetTranscript(ctx context.Context, id string) (*model.Transcript, error) {
	if r.rdb == nil {
		return nil, ErrRedisUnavailable
	}

	var t model.Transcript
	if err := r.cache.Get(ctx, BuildCacheKey(CacheKeyConversation, id), &t); err != nil {
		if errors.Is(err, ErrCacheNotFound) {
			return nil, ErrTranscriptNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListTranscripts returns up to limit ids, newest first. Ids whose
// transcript has already expired are dropped from the index.
func (r *TranscriptRepo) ListTranscripts(ctx context.Context, limit int) ([]string, error) {
	if r.rdb == nil {
		return nil, ErrRedisUnavailable
	}

	ids, err := r.rdb.ZRevRange(ctx, KeyRecentConversations, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}

	live := ids[:0]
	for _, id := range ids {
		ok, err := r.cache.Exists(ctx, BuildCacheKey(CacheKeyConversation, id))
		if err != nil {
			return nil, err
		}
		if ok {
			live = append(live, id)
			continue
		}
		if err := r.rdb.ZRem(ctx, KeyRecentConversations, id).Err(); err != nil {
			r.logger.Warnw("failed to drop expired transcript from index", "conversation_id", id, "error", err)
		}
	}
	return live, nil
}
