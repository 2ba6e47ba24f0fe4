package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedDirectory fronts a slow Directory with a Redis cache. Roster
// lookups hit the external HR sheet otherwise, which shares the same
// write-rate-limited backend as everything else.
type CachedDirectory struct {
	client *redis.Client
	next   Directory
	ttl    time.Duration
}

// NewCachedDirectory creates a Redis-backed cache in front of next.
func NewCachedDirectory(addr, password string, db int, next Directory, ttl time.Duration) *CachedDirectory {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachedDirectory{client: rdb, next: next, ttl: ttl}
}

// Resolve returns the cached display name, falling through to the
// underlying directory on a miss. Cache failures degrade to the
// underlying directory rather than failing the lookup.
func (d *CachedDirectory) Resolve(ctx context.Context, id string) (string, error) {
	key := cacheKey(id)

	name, err := d.client.Get(ctx, key).Result()
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, redis.Nil) {
		// Redis down: resolve directly, skip caching.
		return d.next.Resolve(ctx, id)
	}

	name, err = d.next.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	_ = d.client.Set(ctx, key, name, d.ttl).Err()
	return name, nil
}

func cacheKey(id string) string {
	return fmt.Sprintf("worker:name:%s", id)
}
