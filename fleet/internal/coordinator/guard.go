package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"drone-delivery-dispatch/shared/cachex"
)

const cancelKeyPrefix = "order:cancelled:"

// RedisCancelGuard backs the cancel guard with redis keys that expire after
// the configured TTL. The guard only needs to cover the window in which a
// stale drone.assign can still arrive.
type RedisCancelGuard struct {
	cache *cachex.Client
	ttl   time.Duration
}

func NewRedisCancelGuard(cache *cachex.Client, ttl time.Duration) *RedisCancelGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisCancelGuard{cache: cache, ttl: ttl}
}

func (g *RedisCancelGuard) MarkCancelled(ctx context.Context, orderID uuid.UUID) error {
	return g.cache.MarkSeen(ctx, cancelKeyPrefix+orderID.String(), g.ttl)
}

func (g *RedisCancelGuard) IsCancelled(ctx context.Context, orderID uuid.UUID) (bool, error) {
	return g.cache.Seen(ctx, cancelKeyPrefix+orderID.String())
}
