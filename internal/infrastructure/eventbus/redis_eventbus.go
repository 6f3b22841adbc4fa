// Package eventbus delivers append notices from command handlers to projection consumers.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
)

// Default retry configuration constants.
const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultBackoffFactor  = 2.0
	defaultChannel        = "ledger:appended"
)

// NoticeHandler handles an append notice.
type NoticeHandler func(ctx context.Context, notice orderapp.AppendNotice) error

// noticeEnvelope wraps an append notice for the wire.
type noticeEnvelope struct {
	ID          string                `json:"id"`
	PublishedAt time.Time             `json:"published_at"`
	Notice      orderapp.AppendNotice `json:"notice"`
}

// RetryConfig configures retry behavior for notice handling.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     defaultMaxRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		BackoffFactor:  defaultBackoffFactor,
	}
}

// RedisEventBus publishes append notices over Redis Pub/Sub.
// Notices are hints: a lost message only delays the consumer until its next poll.
type RedisEventBus struct {
	client      redis.UniversalClient
	pubsub      *redis.PubSub
	pubsubMu    sync.RWMutex
	handlers    []NoticeHandler
	handlersMu  sync.RWMutex
	running     bool
	runningMu   sync.RWMutex
	shutdown    chan struct{}
	wg          sync.WaitGroup
	logger      *slog.Logger
	retryConfig RetryConfig
	channel     string
}

// Option configures a RedisEventBus.
type Option func(*RedisEventBus)

// WithLogger sets the logger for the event bus.
func WithLogger(logger *slog.Logger) Option {
	return func(b *RedisEventBus) {
		b.logger = logger
	}
}

// WithRetryConfig sets the retry configuration for notice handling.
func WithRetryConfig(config RetryConfig) Option {
	return func(b *RedisEventBus) {
		b.retryConfig = config
	}
}

// WithChannel sets the Redis channel name.
func WithChannel(channel string) Option {
	return func(b *RedisEventBus) {
		b.channel = channel
	}
}

// NewRedisEventBus creates a new Redis-based notice bus.
func NewRedisEventBus(client redis.UniversalClient, opts ...Option) *RedisEventBus {
	b := &RedisEventBus{
		client:      client,
		shutdown:    make(chan struct{}),
		logger:      slog.Default(),
		retryConfig: DefaultRetryConfig(),
		channel:     defaultChannel,
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// NotifyAppended publishes a notice to Redis Pub/Sub.
func (b *RedisEventBus) NotifyAppended(ctx context.Context, notice orderapp.AppendNotice) error {
	if notice.AggregateID == "" {
		return errors.New("notice aggregate id cannot be empty")
	}

	data, err := json.Marshal(noticeEnvelope{
		ID:          uuid.New().String(),
		PublishedAt: time.Now().UTC(),
		Notice:      notice,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	if publishErr := b.client.Publish(ctx, b.channel, data).Err(); publishErr != nil {
		return fmt.Errorf("failed to publish notice to Redis: %w", publishErr)
	}

	b.logger.DebugContext(ctx, "append notice published",
		slog.String("aggregate_id", notice.AggregateID),
		slog.Int("version", notice.Version),
		slog.String("channel", b.channel),
	)

	return nil
}

// Subscribe registers a notice handler. Handlers are called concurrently.
func (b *RedisEventBus) Subscribe(handler NoticeHandler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()

	b.handlers = append(b.handlers, handler)

	return nil
}

// Start begins listening for notices.
// This method blocks until Shutdown is called or the context is cancelled.
func (b *RedisEventBus) Start(ctx context.Context) error {
	b.runningMu.Lock()
	if b.running {
		b.runningMu.Unlock()
		return errors.New("event bus is already running")
	}
	b.running = true
	b.runningMu.Unlock()

	pubsub := b.client.Subscribe(ctx, b.channel)

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to channel: %w", err)
	}

	b.pubsubMu.Lock()
	b.pubsub = pubsub
	b.pubsubMu.Unlock()

	b.logger.InfoContext(ctx, "event bus started", slog.String("channel", b.channel))

	msgCh := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			b.logger.InfoContext(ctx, "event bus stopping due to context cancellation")
			return ctx.Err()

		case <-b.shutdown:
			b.logger.InfoContext(ctx, "event bus stopping due to shutdown signal")
			return nil

		case msg, ok := <-msgCh:
			if !ok {
				b.logger.WarnContext(ctx, "message channel closed")
				return nil
			}
			b.handleMessage(ctx, msg)
		}
	}
}

// Shutdown gracefully stops the event bus.
// It waits for all pending handlers to complete.
func (b *RedisEventBus) Shutdown() error {
	b.runningMu.Lock()
	if !b.running {
		b.runningMu.Unlock()
		return nil
	}
	b.running = false
	b.runningMu.Unlock()

	close(b.shutdown)

	b.wg.Wait()

	b.pubsubMu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.pubsubMu.Unlock()

	if pubsub != nil {
		if err := pubsub.Close(); err != nil {
			return fmt.Errorf("failed to close pubsub: %w", err)
		}
	}

	return nil
}

// IsRunning returns true if the event bus is currently running.
func (b *RedisEventBus) IsRunning() bool {
	b.runningMu.RLock()
	defer b.runningMu.RUnlock()
	return b.running
}

// HandlerCount returns the number of registered handlers.
func (b *RedisEventBus) HandlerCount() int {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	return len(b.handlers)
}

// handleMessage processes a message received from Redis.
func (b *RedisEventBus) handleMessage(ctx context.Context, msg *redis.Message) {
	var envelope noticeEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
		b.logger.ErrorContext(ctx, "failed to unmarshal notice",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}

	b.handlersMu.RLock()
	handlers := b.handlers
	b.handlersMu.RUnlock()

	for i, handler := range handlers {
		b.wg.Add(1)
		go b.executeHandler(ctx, handler, envelope.Notice, i)
	}
}

// executeHandler runs a single handler with retry logic.
func (b *RedisEventBus) executeHandler(
	ctx context.Context,
	handler NoticeHandler,
	notice orderapp.AppendNotice,
	handlerIndex int,
) {
	defer b.wg.Done()

	var lastErr error
	backoff := b.retryConfig.InitialBackoff

	for attempt := 0; attempt <= b.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				b.logger.WarnContext(ctx, "handler retry cancelled",
					slog.String("aggregate_id", notice.AggregateID),
					slog.String("error", ctx.Err().Error()),
				)
				return
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * b.retryConfig.BackoffFactor)
			if backoff > b.retryConfig.MaxBackoff {
				backoff = b.retryConfig.MaxBackoff
			}
		}

		if err := handler(ctx, notice); err != nil {
			lastErr = err
			b.logger.WarnContext(ctx, "notice handler failed",
				slog.String("aggregate_id", notice.AggregateID),
				slog.Int("handler_index", handlerIndex),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		return
	}

	b.logger.ErrorContext(ctx, "notice handler failed after all retries",
		slog.String("aggregate_id", notice.AggregateID),
		slog.Int("handler_index", handlerIndex),
		slog.Int("max_retries", b.retryConfig.MaxRetries),
		slog.String("error", lastErr.Error()),
	)
}

var _ orderapp.Notifier = (*RedisEventBus)(nil)
