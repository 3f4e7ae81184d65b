package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/MikeSquared-Agency/herald/internal/lang"
)

const cachePrefix = "herald:tts:"

// ErrCacheMiss is returned by a Cache when the key is absent.
var ErrCacheMiss = errors.New("voice: cache miss")

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache adapts a redis client to Cache.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CachedSynthesizer memoizes hosted audio so repeated static phrases are
// rendered once. Only results with a URL are cached; cache errors never fail
// synthesis.
type CachedSynthesizer struct {
	next   Synthesizer
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedSynthesizer(next Synthesizer, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedSynthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSynthesizer{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedSynthesizer) Synthesize(ctx context.Context, text string, opts Options) (Audio, error) {
	key := CacheKey(text, opts)

	if data, err := c.cache.Get(ctx, key); err == nil {
		var a Audio
		if err := json.Unmarshal(data, &a); err == nil && a.URL != "" {
			return a, nil
		}
	} else if !errors.Is(err, ErrCacheMiss) {
		c.logger.Warn("tts cache read failed", "error", err)
	}

	a, err := c.next.Synthesize(ctx, text, opts)
	if err != nil {
		return Audio{}, err
	}
	if a.URL == "" {
		return a, nil
	}

	data, err := json.Marshal(a)
	if err == nil {
		err = c.cache.Set(ctx, key, data, c.ttl)
	}
	if err != nil {
		c.logger.Warn("tts cache write failed", "error", err)
	}
	return a, nil
}

// CacheKey identifies a rendering of text in a language and voice.
func CacheKey(text string, opts Options) string {
	return fmt.Sprintf("%s%s:%s:%016x", cachePrefix, lang.Strings(opts.Language).Code, opts.Voice, xxhash.Sum64String(text))
}
