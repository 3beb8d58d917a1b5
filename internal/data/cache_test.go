package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func setupTestCache(t *testing.T) (CacheClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return NewCacheClient(rdb), mr
}

func TestCache_SetGetRoundTrip(t *testing.T) {
	cache, mr := setupTestCache(t)
	ctx := context.Background()

	key := BuildCacheKey(CacheKeyConversation, "abc")
	require.NoError(t, cache.Set(ctx, key, cachedTurn{Role: "Architect", Content: "Use REST."}, time.Minute))

	var got cachedTurn
	require.NoError(t, cache.Get(ctx, key, &got))
	assert.Equal(t, "Architect", got.Role)
	assert.Equal(t, "Use REST.", got.Content)

	ttl := mr.TTL(key)
	assert.Equal(t, time.Minute, ttl)
}

func TestCache_GetMissingKey(t *testing.T) {
	cache, _ := setupTestCache(t)

	var got cachedTurn
	err := cache.Get(context.Background(), "conversation:missing", &got)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestCache_GetInvalidJSON(t *testing.T) {
	cache, mr := setupTestCache(t)
	require.NoError(t, mr.Set("conversation:bad", "{not json"))

	var got cachedTurn
	err := cache.Get(context.Background(), "conversation:bad", &got)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal")
}

func TestCache_DeleteAndExists(t *testing.T) {
	cache, _ := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k", "v", time.Minute))
	ok, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, cache.Delete(ctx, "k"))
	ok, err = cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_NilClient(t *testing.T) {
	cache := NewCacheClient(nil)
	ctx := context.Background()

	assert.Error(t, cache.Get(ctx, "k", new(string)))
	assert.Error(t, cache.Set(ctx, "k", "v", time.Minute))
	assert.Error(t, cache.Delete(ctx, "k"))
	_, err := cache.Exists(ctx, "k")
	assert.Error(t, err)
}

func TestBuildCacheKey(t *testing.T) {
	assert.Equal(t, "conversation:42", BuildCacheKey(CacheKeyConversation, "42"))
	assert.Equal(t, "circuit:openai/gpt-4o", BuildCacheKey(CacheKeyCircuit, "openai/gpt-4o"))
	assert.Equal(t, "circuit", BuildCacheKey(CacheKeyCircuit))
}
