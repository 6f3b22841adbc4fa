package container_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/config"
	"github.com/lllypuk/orderledger/internal/container"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "ledger.db")
	cfg.Projection.PollInterval = time.Hour
	cfg.RebuildWorker.PollInterval = 20 * time.Millisecond
	return cfg
}

func newContainer(t *testing.T, cfg *config.Config) *container.Container {
	t.Helper()

	c, err := container.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func createOrder(t *testing.T, c *container.Container, id string) {
	t.Helper()

	_, err := c.Commands.Handle(context.Background(), orderdomain.CreateOrder{
		ID:         id,
		CustomerID: "customer-1",
		Currency:   "EUR",
		Items:      []orderdomain.LineItem{{SKU: "SKU-1", Quantity: 2, UnitPrice: 500}},
	})
	require.NoError(t, err)
}

func TestNew_SQLiteWiring(t *testing.T) {
	// Arrange
	c := newContainer(t, sqliteConfig(t))
	ctx := context.Background()

	require.NotNil(t, c.SQL)
	assert.Nil(t, c.MongoDB)
	assert.Nil(t, c.Redis)
	require.NotNil(t, c.Notifier)

	// Act
	createOrder(t, c, "ord-1")
	c.ProjectionWorker.RunOnce(ctx)

	// Assert
	rm, err := c.Queries.GetProjection(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCreated, rm.Status)
	assert.Equal(t, int64(1000), rm.Total)

	history, err := c.Queries.GetEventHistory(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	assert.True(t, c.IsReady(ctx))
	names := make([]string, 0)
	for _, st := range c.GetHealthStatus(ctx) {
		names = append(names, st.Name)
	}
	assert.Contains(t, names, "projection_jobs")
	assert.Contains(t, names, "projection_consumer")
}

func TestNew_MetricsAreRegistered(t *testing.T) {
	c := newContainer(t, sqliteConfig(t))
	createOrder(t, c, "ord-2")

	families, err := c.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["orderledger_commands_total"])
	assert.True(t, names["orderledger_events_appended_total"])
}

func TestNew_RedisLockWithoutRedis(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Lock.Backend = config.LockRedis

	_, err := container.New(cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrRedisRequired)
}

func TestNew_UnknownStorageDriver(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Storage.Driver = "cassandra"

	_, err := container.New(cfg)

	require.Error(t, err)
	assert.ErrorIs(t, err, config.ErrInvalidStorageDriver)
}

func TestNew_NoNotifier(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Notifier.Type = config.NotifierNone

	c := newContainer(t, cfg)

	assert.Nil(t, c.Notifier)
	createOrder(t, c, "ord-3")
}

func TestRunWorkers_NoticeWakesConsumer(t *testing.T) {
	// Arrange
	c := newContainer(t, sqliteConfig(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.RunWorkers(ctx)
		close(done)
	}()

	// Act
	createOrder(t, c, "ord-4")

	// Assert
	assert.Eventually(t, func() bool {
		_, err := c.Queries.GetProjection(context.Background(), "ord-4")
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestRunWorkers_ProcessesRebuildRequest(t *testing.T) {
	// Arrange
	c := newContainer(t, sqliteConfig(t))
	for _, id := range []string{"ord-a", "ord-b", "ord-c"} {
		createOrder(t, c, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunWorkers(ctx)

	// Act
	ticket, err := c.Rebuilds.TriggerRebuild(context.Background(), "ops")
	require.NoError(t, err)
	require.NotEmpty(t, ticket.JobID)

	// Assert
	assert.Eventually(t, func() bool {
		list, listErr := c.Queries.ListProjections(context.Background(), orderapp.Filters{Limit: 10})
		return listErr == nil && len(list) == 3
	}, 3*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		stats, statsErr := c.Jobs.GetStats(context.Background())
		return statsErr == nil && stats.CompletedCount == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := container.New(sqliteConfig(t))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
