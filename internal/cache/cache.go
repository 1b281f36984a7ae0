// internal/cache/cache.go
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"persona-engine/internal/common/database"
	"persona-engine/internal/common/metrics"

	"github.com/redis/go-redis/v9"
)

// Stage names the cacheable pipeline stages.
const (
	StageMetadata    = "metadata"
	StageSynthesis   = "synthesis"
	StageComposition = "composition"
)

// maxCanonicalLength bounds the canonicalized input embedded in a key; the
// remainder contributes through a stable hash.
const maxCanonicalLength = 256

// Cache is the semantic cache consulted before any inference gate call.
// Implementations never store values that failed safety validation; callers
// enforce that by validating before Put.
type Cache interface {
	Get(ctx context.Context, stage, key string) (string, bool, error)
	Put(ctx context.Context, stage, key, value string, ttl time.Duration) error
}

// Key derives a deterministic cache key from the stage, a canonicalized
// form of the textual input, and (for synthesis/composition) the persona
// snapshot identity. personaVersion is empty for persona-independent stages.
func Key(stage, input, personaVersion string) string {
	canonical := canonicalize(input)
	sum := sha256.Sum256([]byte(stage + "\x00" + canonical + "\x00" + personaVersion))
	return hex.EncodeToString(sum[:])
}

// canonicalize lowercases and whitespace-normalizes the input, truncating to
// a bounded length with a stable hash standing in for the remainder.
func canonicalize(input string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(input), " "))
	if len(normalized) <= maxCanonicalLength {
		return normalized
	}
	head := normalized[:maxCanonicalLength]
	rest := sha256.Sum256([]byte(normalized[maxCanonicalLength:]))
	return head + "#" + hex.EncodeToString(rest[:])
}

// RedisCache stores entries in Redis with per-entry TTL. Expired entries are
// treated as absent by Redis itself.
type RedisCache struct {
	client *database.RedisClient
}

func NewRedisCache(client *database.RedisClient) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(stage, key string) string {
	return fmt.Sprintf("semcache:%s:%s", stage, key)
}

func (c *RedisCache) Get(ctx context.Context, stage, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, redisKey(stage, key))
	if err == redis.Nil {
		metrics.CacheRequests.WithLabelValues(stage, "miss").Inc()
		return "", false, nil
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues(stage, "error").Inc()
		return "", false, fmt.Errorf("cache get: %w", err)
	}
	metrics.CacheRequests.WithLabelValues(stage, "hit").Inc()
	return value, true, nil
}

func (c *RedisCache) Put(ctx context.Context, stage, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, redisKey(stage, key), value, ttl); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}
