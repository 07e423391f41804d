package app

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisReconcileLease implements a distributed mutual-exclusion lease using
// Redis SET NX. The TTL caps how long a crashed holder can block sweeps.
type RedisReconcileLease struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisReconcileLease(client redis.UniversalClient, prefix string) *RedisReconcileLease {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "sellermint:lease"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisReconcileLease{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisReconcileLease) key(name string) string {
	return r.prefix + ":" + name
}

// Acquire takes the lease when it is free. Returns false without error when
// another holder has it.
func (r *RedisReconcileLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return r.client.SetNX(ctx, r.key(name), "1", ttl).Result()
}

// Release frees the lease early so the next tick does not wait out the TTL.
func (r *RedisReconcileLease) Release(ctx context.Context, name string) error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Del(ctx, r.key(name)).Err()
}
