package ingest

import (
	"context"
	"time"

	"call-billing/internal/apperr"
	"call-billing/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is an optional fleet-wide mutex around a cycle. A process that does
// not get the lease skips the tick.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease is a token-owned Redis key with a TTL. The TTL should exceed the
// longest expected cycle; an expired lease lets another process start.
type RedisLease struct {
	rdb   redis.Scripter
	key   string
	token string
	ttl   time.Duration
}

func NewRedisLease(rdb redis.Scripter, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{rdb: rdb, key: key, token: uuid.NewString(), ttl: ttl}
}

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := utils.AcquireLease(ctx, l.rdb, l.key, l.token, l.ttl)
	if err != nil {
		return false, apperr.Storage("lease.acquire", err)
	}
	return ok, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	return apperr.Storage("lease.release", utils.ReleaseLease(ctx, l.rdb, l.key, l.token))
}
