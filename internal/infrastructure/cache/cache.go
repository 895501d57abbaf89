package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/keirinlab/keirinfeed/internal/config"
)

// Cache holds the latest odds snapshot per race. Lookups and writes are
// best effort; a failed write must never fail the save that produced it.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

// OddsKey is the cache key for a race's most recent odds snapshot.
func OddsKey(raceID int64) string {
	return fmt.Sprintf("odds:latest:%d", raceID)
}

type memory struct {
	mu sync.Mutex
	m  map[string]entry
}

type entry struct {
	b   []byte
	exp time.Time
}

func NewMemory() Cache { return &memory{m: make(map[string]entry)} }

func (c *memory) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[key]
	if !ok || (!e.exp.IsZero() && time.Now().After(e.exp)) {
		return nil, false
	}
	return e.b, true
}

func (c *memory) Set(key string, val []byte, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := entry{b: append([]byte(nil), val...)}
	if ttl > 0 {
		e.exp = time.Now().Add(ttl)
	}
	c.m[key] = e
}

type redisCache struct{ r redis.Cmdable }

// NewRedis wraps an existing client, letting tests pass a mock.
func NewRedis(client redis.Cmdable) Cache {
	return &redisCache{r: client}
}

// New picks Redis when an address is configured and falls back to the
// in-process map otherwise.
func New(cfg config.RedisConfig) Cache {
	if cfg.Addr != "" {
		return NewRedis(redis.NewClient(&redis.Options{Addr: cfg.Addr}))
	}
	return NewMemory()
}

func (r *redisCache) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.r.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *redisCache) Set(key string, val []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.r.Set(ctx, key, val, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}
