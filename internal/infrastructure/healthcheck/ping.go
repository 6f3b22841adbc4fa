package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/lllypuk/orderledger/internal/application/appcore"
)

// PingChecker reports whether a backing service answers a ping.
type PingChecker struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingChecker creates a checker around an arbitrary ping function.
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, ping: ping}
}

// NewMongoChecker pings MongoDB.
func NewMongoChecker(client *mongo.Client) *PingChecker {
	return NewPingChecker("mongodb", func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	})
}

// NewRedisChecker pings Redis.
func NewRedisChecker(client redis.UniversalClient) *PingChecker {
	return NewPingChecker("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// NewSQLChecker pings the SQL event store database.
func NewSQLChecker(db *sqlx.DB) *PingChecker {
	return NewPingChecker("sql", db.PingContext)
}

// Name returns the name of this health checker.
func (c *PingChecker) Name() string {
	return c.name
}

// Check performs the health check.
func (c *PingChecker) Check(ctx context.Context) appcore.HealthStatus {
	start := time.Now()
	if err := c.ping(ctx); err != nil {
		return appcore.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("%s ping failed: %v", c.name, err),
			CheckedAt: time.Now(),
		}
	}
	return appcore.HealthStatus{
		Healthy:   true,
		Details:   map[string]any{"latency_ms": time.Since(start).Milliseconds()},
		CheckedAt: time.Now(),
	}
}
