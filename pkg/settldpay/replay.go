package settldpay

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ReplayGuard marks token hashes as used. Claim returns false when the hash
// was already claimed.
type ReplayGuard interface {
	Claim(ctx context.Context, tokenHash string, ttl time.Duration) (bool, error)
}

// MemoryReplayGuard is a single-instance guard over a TTL cache. Entries
// expire with the token so the cache never grows past the live-token set.
type MemoryReplayGuard struct {
	cache *gocache.Cache
}

// NewMemoryReplayGuard builds a guard with the given default TTL.
func NewMemoryReplayGuard(defaultTTL time.Duration) *MemoryReplayGuard {
	return &MemoryReplayGuard{cache: gocache.New(defaultTTL, defaultTTL)}
}

func (g *MemoryReplayGuard) Claim(ctx context.Context, tokenHash string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	if err := g.cache.Add(tokenHash, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

// RedisReplayGuard shares the used-token set across provider instances.
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayGuard builds a guard over an existing client.
func NewRedisReplayGuard(client *redis.Client) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, prefix: "settldpay:replay:"}
}

func (g *RedisReplayGuard) Claim(ctx context.Context, tokenHash string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return g.client.SetNX(ctx, g.prefix+tokenHash, 1, ttl).Result()
}
