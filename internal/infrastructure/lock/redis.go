package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compare-and-act scripts keep refresh and release atomic with the owner check.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisBackend stores leases as Redis keys with PX expiry.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a Redis lease backend.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, key, owner, ttl).Result()
}

func (b *RedisBackend) Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshScript.Run(ctx, b.client, []string{key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Release(ctx context.Context, key, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, b.client, []string{key}, owner).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *RedisBackend) Holder(ctx context.Context, key string) (string, error) {
	owner, err := b.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return owner, err
}
