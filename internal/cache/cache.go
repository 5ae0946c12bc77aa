package cache

import (
	"context"
	"time"
)

// BytesCache is a byte-oriented cache. Get reports a miss with ok=false and a nil error.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
