package testutil

import (
	"context"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const redisTestPoolSize = 10

var sharedRedis sharedService

func redisAddr() (string, error) {
	return sharedRedis.start(testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(containerStartupTimeout),
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(containerStartupTimeout),
		),
	}, "6379", nil)
}

// SetupTestRedis returns a client for the shared Redis container. The
// database is flushed and the client closed when the test ends.
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr, err := redisAddr()
	if err != nil {
		t.Fatalf("Failed to get shared Redis container: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: redisTestPoolSize,
	})
	if err = retry(func(ctx context.Context) error { return client.Ping(ctx).Err() }); err != nil {
		_ = client.Close()
		t.Fatalf("Failed to ping Redis: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		_ = client.FlushDB(ctx).Err()
		_ = client.Close()
	})

	return client
}

// SetupTestRedisWithPrefix also returns a key prefix unique to the test, for
// tests that share keys or channels with others running in parallel.
func SetupTestRedisWithPrefix(t *testing.T) (*redis.Client, string) {
	t.Helper()

	return SetupTestRedis(t), fmt.Sprintf("test:%s:", t.Name())
}

// SharedRedisAddr returns the address of the shared Redis container, for
// tests that build their own clients.
func SharedRedisAddr(t *testing.T) string {
	t.Helper()

	addr, err := redisAddr()
	if err != nil {
		t.Fatalf("Failed to get shared Redis container: %v", err)
	}
	return addr
}
