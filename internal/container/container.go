// Package container wires the ledger's storage, projection pipeline, commands
// and queries from configuration. The API server, the worker service and the
// rebuild tool share it.
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/config"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventbus"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventstore"
	"github.com/lllypuk/orderledger/internal/infrastructure/healthcheck"
	"github.com/lllypuk/orderledger/internal/infrastructure/httpserver"
	"github.com/lllypuk/orderledger/internal/infrastructure/lock"
	"github.com/lllypuk/orderledger/internal/infrastructure/metrics"
	mongodbinfra "github.com/lllypuk/orderledger/internal/infrastructure/mongodb"
	"github.com/lllypuk/orderledger/internal/infrastructure/projector"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
	"github.com/lllypuk/orderledger/internal/infrastructure/repository/mongodb"
	"github.com/lllypuk/orderledger/internal/infrastructure/repository/sqlrepo"
	"github.com/lllypuk/orderledger/internal/infrastructure/sqldb"
	"github.com/lllypuk/orderledger/internal/worker"
)

// Container initialization timeouts.
const (
	containerInitTimeout   = 30 * time.Second
	redisPingTimeout       = 5 * time.Second
	mongoDisconnectTimeout = 10 * time.Second
	jobQueueFailThreshold  = 10
)

// Container holds all application dependencies and manages their lifecycle.
// It implements httpserver.HealthChecker for unified health endpoint support.
type Container struct {
	// Configuration
	Config *config.Config
	Logger *slog.Logger

	// Infrastructure
	MongoDB     *mongo.Client
	MongoDBName string
	SQL         *sqlx.DB
	Redis       redis.UniversalClient
	Registry    *prometheus.Registry

	// Storage
	EventStore  appcore.EventStore
	Projections orderapp.ProjectionStore
	Jobs        repair.Queue
	Leases      *lock.RebuildLock

	// Notices
	Notifier  orderapp.Notifier
	memoryBus *eventbus.MemoryEventBus
	redisBus  *eventbus.RedisEventBus

	// Metrics
	LedgerMetrics     *metrics.LedgerMetrics
	ProjectionMetrics *metrics.ProjectionMetrics

	// Projection pipeline
	Projector *projector.OrderProjector
	Scheduler *repair.Scheduler

	// Application services
	Commands *orderapp.CommandHandler
	Queries  *orderapp.QueryService
	Rebuilds *orderapp.RebuildService

	// Workers
	ProjectionWorker *worker.ProjectionWorker
	RepairWorker     *worker.RepairWorker

	Health *healthcheck.Registry

	closeOnce sync.Once
}

// Ensure Container implements httpserver.HealthChecker.
var _ httpserver.HealthChecker = (*Container)(nil)

// Option configures the Container.
type Option func(*Container)

// WithLogger sets a custom logger for the container.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) {
		c.Logger = logger
	}
}

// New builds the container. Infrastructure is connected eagerly; on failure
// everything opened so far is closed again.
func New(cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	c := &Container{
		Config: cfg,
		Logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithTimeout(context.Background(), containerInitTimeout)
	defer cancel()

	c.setupMetrics()

	if err := c.setupRedis(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.setupStorage(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := c.setupLock(); err != nil {
		_ = c.Close()
		return nil, err
	}

	c.setupNotifier()
	c.setupApplication()
	c.setupWorkers()
	c.setupHealth()

	c.Logger.Info("container initialized",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("lock", cfg.Lock.Backend),
		slog.String("notifier", cfg.Notifier.Type),
		slog.Bool("redis", c.Redis != nil),
	)

	return c, nil
}

func (c *Container) setupMetrics() {
	c.Registry = prometheus.NewRegistry()
	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.LedgerMetrics = metrics.NewLedgerMetrics(c.Registry)
	c.ProjectionMetrics = metrics.NewProjectionMetrics(c.Registry)
}

func (c *Container) setupRedis(ctx context.Context) error {
	if !c.Config.Redis.Enabled {
		return nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.Config.Redis.Addr},
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
		PoolSize: c.Config.Redis.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c.Redis = client
	c.Logger.Info("connected to Redis", slog.String("addr", c.Config.Redis.Addr))
	return nil
}

func (c *Container) setupStorage(ctx context.Context) error {
	storeOpts := []eventstore.Option{
		eventstore.WithLogger(c.Logger),
		eventstore.WithObserver(c.LedgerMetrics),
	}

	switch c.Config.Storage.Driver {
	case config.StorageMongo:
		if err := c.setupMongoDB(ctx); err != nil {
			return err
		}
		db := c.MongoDB.Database(c.MongoDBName)
		c.EventStore = eventstore.NewMongoEventStore(c.MongoDB, c.MongoDBName, storeOpts...)
		c.Projections = mongodb.NewOrderProjectionStore(db)
		c.Jobs = repair.NewMongoQueue(db.Collection(mongodbinfra.CollectionProjectionJobs), c.Logger)

	case config.StoragePostgres, config.StorageSQLite:
		if err := c.setupSQL(ctx); err != nil {
			return err
		}
		c.EventStore = eventstore.NewSQLEventStore(c.SQL, storeOpts...)
		c.Projections = sqlrepo.NewOrderProjectionStore(c.SQL)
		c.Jobs = repair.NewSQLQueue(c.SQL, c.Logger)

	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidStorageDriver, c.Config.Storage.Driver)
	}

	return nil
}

func (c *Container) setupMongoDB(ctx context.Context) error {
	cfg := c.Config.MongoDB

	clientOpts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetTimeout(cfg.Timeout)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	c.MongoDB = client
	c.MongoDBName = cfg.Database

	if err = mongodbinfra.CreateAllIndexes(ctx, client.Database(cfg.Database)); err != nil {
		return fmt.Errorf("failed to create MongoDB indexes: %w", err)
	}

	c.Logger.Info("connected to MongoDB", slog.String("database", cfg.Database))
	return nil
}

func (c *Container) setupSQL(ctx context.Context) error {
	var (
		dsn  string
		opts sqldb.Options
	)

	if c.Config.Storage.Driver == config.StoragePostgres {
		dsn = c.Config.Postgres.DSN
		opts = sqldb.Options{
			MaxOpenConns:    c.Config.Postgres.MaxOpenConns,
			MaxIdleConns:    c.Config.Postgres.MaxIdleConns,
			ConnMaxLifetime: c.Config.Postgres.ConnMaxLifetime,
		}
	} else {
		dsn = c.Config.SQLite.Path
	}

	db, err := sqldb.Open(ctx, c.Config.Storage.Driver, dsn, opts)
	if err != nil {
		return err
	}
	c.SQL = db

	if err = sqldb.Migrate(ctx, db, c.Logger); err != nil {
		return err
	}

	c.Logger.Info("connected to SQL database", slog.String("driver", c.Config.Storage.Driver))
	return nil
}

func (c *Container) setupLock() error {
	var backend lock.Backend

	switch c.Config.Lock.Backend {
	case config.LockRedis:
		if c.Redis == nil {
			return config.ErrRedisRequired
		}
		backend = lock.NewRedisBackend(c.Redis)
	case config.LockMemory:
		backend = lock.NewMemoryBackend()
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidLockBackend, c.Config.Lock.Backend)
	}

	c.Leases = lock.NewRebuildLock(backend, lock.Config{
		Key:          c.Config.Lock.Key,
		TTL:          c.Config.Lock.TTL,
		WaitTimeout:  c.Config.Lock.WaitTimeout,
		PollInterval: c.Config.Lock.PollInterval,
	}, c.Logger)
	return nil
}

func (c *Container) setupNotifier() {
	switch c.Config.Notifier.Type {
	case config.NotifierRedis:
		if c.Redis == nil {
			c.Logger.Warn("redis notifier configured without redis, falling back to polling")
			return
		}
		c.redisBus = eventbus.NewRedisEventBus(c.Redis,
			eventbus.WithLogger(c.Logger),
			eventbus.WithChannel(c.Config.Notifier.Channel),
		)
		c.Notifier = c.redisBus
	case config.NotifierInMemory:
		c.memoryBus = eventbus.NewMemoryEventBus()
		c.Notifier = c.memoryBus
	}
}

func (c *Container) setupApplication() {
	c.Projector = projector.NewOrderProjector(
		c.EventStore,
		c.Projections,
		c.Leases,
		c.ProjectionMetrics,
		projector.Config{
			BatchSize:   c.Config.Projection.BatchSize,
			RebuildRate: c.Config.Projection.RebuildRate,
		},
		c.Logger,
	)
	c.Scheduler = repair.NewScheduler(c.Jobs, c.Logger)

	handlerOpts := []orderapp.HandlerOption{
		orderapp.WithMaxAttempts(c.Config.Commands.MaxAttempts),
		orderapp.WithObserver(c.LedgerMetrics),
		orderapp.WithLogger(c.Logger),
	}
	if c.Notifier != nil {
		handlerOpts = append(handlerOpts, orderapp.WithNotifier(c.Notifier))
	}

	c.Commands = orderapp.NewCommandHandler(c.EventStore, handlerOpts...)
	c.Queries = orderapp.NewQueryService(c.Projections, c.EventStore)
	c.Rebuilds = orderapp.NewRebuildService(c.Leases, c.Scheduler, c.Logger)
}

func (c *Container) setupWorkers() {
	c.ProjectionWorker = worker.NewProjectionWorker(c.Projector, c.Scheduler, c.Logger, worker.ProjectionWorkerConfig{
		PollInterval: c.Config.Projection.PollInterval,
		Enabled:      true,
	})

	c.RepairWorker = worker.NewRepairWorker(c.Jobs, c.Projector, c.Logger,
		worker.RepairWorkerConfig{
			PollInterval: c.Config.RebuildWorker.PollInterval,
			BatchSize:    c.Config.RebuildWorker.BatchSize,
			MaxRetries:   c.Config.RebuildWorker.MaxRetries,
			Enabled:      c.Config.RebuildWorker.Enabled,
		},
		worker.WithQueueObserver(c.ProjectionMetrics),
		worker.WithOnRebuilt(c.ProjectionWorker.Resume),
	)
}

func (c *Container) setupHealth() {
	c.Health = healthcheck.NewRegistry()

	switch {
	case c.MongoDB != nil:
		c.Health.Add(healthcheck.NewMongoChecker(c.MongoDB))
	case c.SQL != nil:
		c.Health.Add(healthcheck.NewSQLChecker(c.SQL))
	}
	if c.Redis != nil {
		c.Health.Add(healthcheck.NewRedisChecker(c.Redis))
	}

	c.Health.Add(healthcheck.NewProjectionLagChecker(c.Projector,
		healthcheck.WithWarningThreshold(c.Config.Projection.LagWarning),
		healthcheck.WithCriticalThreshold(c.Config.Projection.LagCritical),
	))
	c.Health.Add(healthcheck.NewJobQueueChecker(c.Jobs, jobQueueFailThreshold))
	c.Health.Add(healthcheck.NewConsumerChecker(c.ProjectionWorker))
}

// RunWorkers runs the projection consumer, the repair worker and the notice
// subscription until ctx is cancelled. Notices only wake the consumer early;
// it polls regardless.
func (c *Container) RunWorkers(ctx context.Context) {
	wake := eventbus.Trigger(c.ProjectionWorker.Trigger())

	var wg sync.WaitGroup

	switch {
	case c.memoryBus != nil:
		c.memoryBus.Subscribe(wake)
	case c.redisBus != nil:
		if err := c.redisBus.Subscribe(wake); err != nil {
			c.Logger.ErrorContext(ctx, "failed to subscribe to append notices", slog.String("error", err.Error()))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.redisBus.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.Logger.ErrorContext(ctx, "notice subscription error", slog.String("error", err.Error()))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.ProjectionWorker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.ErrorContext(ctx, "projection worker error", slog.String("error", err.Error()))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.RepairWorker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Logger.ErrorContext(ctx, "repair worker error", slog.String("error", err.Error()))
		}
	}()

	wg.Wait()
}

// IsReady implements httpserver.HealthChecker.
func (c *Container) IsReady(ctx context.Context) bool {
	if c.Health == nil {
		return false
	}
	return c.Health.IsReady(ctx)
}

// GetHealthStatus implements httpserver.HealthChecker.
func (c *Container) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	if c.Health == nil {
		return nil
	}
	return c.Health.GetHealthStatus(ctx)
}

// Close releases every connection the container opened. It is safe to call
// more than once.
func (c *Container) Close() error {
	var errs []error

	c.closeOnce.Do(func() {
		if c.redisBus != nil && c.redisBus.IsRunning() {
			if err := c.redisBus.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("notice bus: %w", err))
			}
		}

		if c.SQL != nil {
			if err := c.SQL.Close(); err != nil {
				errs = append(errs, fmt.Errorf("sql: %w", err))
			}
		}

		if c.MongoDB != nil {
			ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
			if err := c.MongoDB.Disconnect(ctx); err != nil {
				errs = append(errs, fmt.Errorf("mongodb: %w", err))
			}
			cancel()
		}

		if c.Redis != nil {
			if err := c.Redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis: %w", err))
			}
		}

		c.Logger.Info("container closed")
	})

	return errors.Join(errs...)
}
