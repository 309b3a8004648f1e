package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces lock keys in a shared Redis.
const keyPrefix = "gophvault:lock:"

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript re-arms the key's expiry only when it still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisBackend implements Backend with SET NX PX and compare-and-set
// scripts for renewal and release.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend returns a Backend over client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

// TryAcquire implements Backend.
func (b *RedisBackend) TryAcquire(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	ok, err := b.client.SetNX(ctx, keyPrefix+key, token, lease).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Extend implements Backend.
func (b *RedisBackend) Extend(ctx context.Context, key, token string, lease time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, b.client, []string{keyPrefix + key}, token, lease.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend: %w", err)
	}
	return n == 1, nil
}

// Release implements Backend.
func (b *RedisBackend) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, b.client, []string{keyPrefix + key}, token).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
