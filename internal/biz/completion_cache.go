package biz

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"

	"MetaCrew/internal/conf"
	"MetaCrew/pkg/openrouter"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CompletionCache keeps successful completions for identical requests. A
// disabled cache answers every lookup with a miss.
type CompletionCache struct {
	lru *expirable.LRU[string, *openrouter.ChatResponse]
}

// NewCompletionCache returns a disabled cache unless c.Enabled is set.
func NewCompletionCache(c *conf.Cache) *CompletionCache {
	if c == nil || !c.Enabled {
		return &CompletionCache{}
	}
	size := int(c.Size)
	if size <= 0 {
		size = 256
	}
	ttl := c.Ttl.AsDuration()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CompletionCache{lru: expirable.NewLRU[string, *openrouter.ChatResponse](size, nil, ttl)}
}

func (c *CompletionCache) Enabled() bool {
	return c != nil && c.lru != nil
}

type cacheKeyMaterial struct {
	Model       string               `json:"model"`
	Messages    []openrouter.Message `json:"messages"`
	Temperature float64              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens"`
}

// Key is the md5 of the model, messages, temperature and max tokens.
func (c *CompletionCache) Key(modelID string, req *CompletionRequest) string {
	raw, _ := json.Marshal(cacheKeyMaterial{
		Model:       modelID,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	sum := md5.Sum(raw)
	return hex.EncodeToString(sum[:])
}

func (c *CompletionCache) Get(key string) (*openrouter.ChatResponse, bool) {
	if !c.Enabled() {
		return nil, false
	}
	return c.lru.Get(key)
}

func (c *CompletionCache) Add(key string, resp *openrouter.ChatResponse) {
	if c.Enabled() {
		c.lru.Add(key, resp)
	}
}

func (c *CompletionCache) Len() int {
	if !c.Enabled() {
		return 0
	}
	return c.lru.Len()
}
