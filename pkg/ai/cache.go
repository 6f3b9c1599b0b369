package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTTL = 24 * time.Hour

// Cache stores generated responses by key.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// CacheKey is ai:response:<model>:<first 16 hex chars of sha256(system:prompt)>.
func CacheKey(model, system, prompt string) string {
	sum := sha256.Sum256([]byte(system + ":" + prompt))
	return fmt.Sprintf("ai:response:%s:%s", model, hex.EncodeToString(sum[:])[:16])
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is an in-process TTL map used when no Redis is configured.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok {
		return "", false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.items, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = memoryEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// RedisCache keeps responses in Redis with EX expiry.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects using a redis:// URL.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedClient serves repeat requests from a Cache. Only requests with
// UseCache set are looked up, and only accepted responses are stored.
type CachedClient struct {
	inner Client
	cache Cache
}

func NewCachedClient(inner Client, cache Cache) *CachedClient {
	return &CachedClient{inner: inner, cache: cache}
}

func (c *CachedClient) Model() string { return c.inner.Model() }

func (c *CachedClient) IsAvailable(ctx context.Context) bool { return c.inner.IsAvailable(ctx) }

func (c *CachedClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if !req.UseCache || c.cache == nil {
		return c.inner.Generate(ctx, req)
	}

	start := time.Now()
	key := CacheKey(c.inner.Model(), req.System, req.Prompt)
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		log.Printf("[AI] Cache read failed for %s: %v", key, err)
	} else if ok {
		var cached Response
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			cached.Cached = true
			cached.Latency = time.Since(start)
			return &cached, nil
		}
	}

	resp, err := c.inner.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Accept != nil {
		if err := req.Accept(resp.Content); err != nil {
			return resp, nil
		}
	}

	ttl := req.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	raw, _ := json.Marshal(resp)
	if err := c.cache.Set(ctx, key, string(raw), ttl); err != nil {
		log.Printf("[AI] Cache write failed for %s: %v", key, err)
	}
	return resp, nil
}
