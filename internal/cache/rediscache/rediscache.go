package rediscache

import (
	"context"
	"time"

	"github.com/BearBump/RideDispatch/internal/observability"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// newClient uses short timeouts: the ride cache and the limiters are on the request path
// and both callers treat a Redis failure as non-fatal.
func newClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		PoolSize:     20,
	})
}

// RedisCache stores serialized ride summaries. Lookups are counted in ride_dispatch_ride_cache_total.
type RedisCache struct {
	c *redis.Client
}

func New(addr string) *RedisCache {
	return NewWithClient(newClient(addr))
}

func NewWithClient(c *redis.Client) *RedisCache {
	return &RedisCache{c: c}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.c.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		observability.RideCacheTotal.WithLabelValues("miss").Inc()
		return nil, false, nil
	case err != nil:
		observability.RideCacheTotal.WithLabelValues("error").Inc()
		return nil, false, errors.Wrapf(err, "redis get %s", key)
	}
	observability.RideCacheTotal.WithLabelValues("hit").Inc()
	return val, true, nil
}

// Set with ttl <= 0 keeps the key without expiry.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.c.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.c.Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return errors.Wrap(r.c.Ping(ctx).Err(), "redis ping")
}

func (r *RedisCache) Close() error {
	return r.c.Close()
}
