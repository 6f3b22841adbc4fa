// Package lock provides the single-holder lease that keeps full projection
// rebuilds and incremental consumers from writing at the same time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lllypuk/orderledger/internal/application/appcore"
)

// Owner prefixes identify who holds the lease.
const (
	RebuildOwnerPrefix  = "rebuild:"
	ConsumerOwnerPrefix = "consumer:"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultKey          = "orderledger:projection:lease"
	DefaultTTL          = 30 * time.Second
	DefaultWaitTimeout  = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

var (
	// ErrWaitTimeout is returned when a rebuild could not take the lease from
	// a consumer pass within the wait timeout.
	ErrWaitTimeout = errors.New("timed out waiting for projection lease")

	// ErrLeaseLost is returned by Release when the lease expired or was taken over.
	ErrLeaseLost = errors.New("projection lease lost")
)

// Backend stores the lease. All operations are atomic with respect to owner.
type Backend interface {
	// TryAcquire sets owner on key if nobody holds it.
	TryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Refresh extends the expiry if owner still holds key.
	Refresh(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Release deletes key if owner still holds it.
	Release(ctx context.Context, key, owner string) (bool, error)

	// Holder returns the current owner or an empty string.
	Holder(ctx context.Context, key string) (string, error)
}

// Config tunes RebuildLock.
type Config struct {
	Key          string
	TTL          time.Duration
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

// RebuildLock hands out the projection lease to rebuilds and consumer passes.
type RebuildLock struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// NewRebuildLock creates a RebuildLock over backend.
func NewRebuildLock(backend Backend, cfg Config, logger *slog.Logger) *RebuildLock {
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RebuildLock{backend: backend, cfg: cfg, logger: logger}
}

// AcquireRebuild takes the lease for a full rebuild. It fails fast with
// appcore.ErrRebuildInProgress when another rebuild holds the lease and waits
// up to the wait timeout for a consumer pass to finish.
func (l *RebuildLock) AcquireRebuild(ctx context.Context) (*Lease, error) {
	owner := RebuildOwnerPrefix + uuid.NewString()
	deadline := time.Now().Add(l.cfg.WaitTimeout)

	for {
		ok, err := l.backend.TryAcquire(ctx, l.cfg.Key, owner, l.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire rebuild lease: %w", err)
		}
		if ok {
			return l.newLease(owner), nil
		}

		holder, err := l.backend.Holder(ctx, l.cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to read lease holder: %w", err)
		}
		if strings.HasPrefix(holder, RebuildOwnerPrefix) {
			return nil, appcore.ErrRebuildInProgress
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: held by %s", ErrWaitTimeout, holder)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// TryAcquireConsumer takes the lease for one consumer pass without waiting.
// ok is false when someone else holds it.
func (l *RebuildLock) TryAcquireConsumer(ctx context.Context) (*Lease, bool, error) {
	owner := ConsumerOwnerPrefix + uuid.NewString()

	ok, err := l.backend.TryAcquire(ctx, l.cfg.Key, owner, l.cfg.TTL)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire consumer lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return l.newLease(owner), true, nil
}

// AcquireConsumer takes the consumer lease, waiting up to the wait timeout for
// another consumer pass to finish. It fails fast with
// appcore.ErrRebuildInProgress while a full rebuild holds the lease.
func (l *RebuildLock) AcquireConsumer(ctx context.Context) (*Lease, error) {
	deadline := time.Now().Add(l.cfg.WaitTimeout)

	for {
		lease, ok, err := l.TryAcquireConsumer(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			return lease, nil
		}

		holder, err := l.backend.Holder(ctx, l.cfg.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to read lease holder: %w", err)
		}
		if strings.HasPrefix(holder, RebuildOwnerPrefix) {
			return nil, appcore.ErrRebuildInProgress
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: held by %s", ErrWaitTimeout, holder)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// RebuildRunning reports whether a full rebuild holds the lease.
func (l *RebuildLock) RebuildRunning(ctx context.Context) (bool, error) {
	holder, err := l.backend.Holder(ctx, l.cfg.Key)
	if err != nil {
		return false, fmt.Errorf("failed to read lease holder: %w", err)
	}
	return strings.HasPrefix(holder, RebuildOwnerPrefix), nil
}

func (l *RebuildLock) newLease(owner string) *Lease {
	return &Lease{
		backend: l.backend,
		key:     l.cfg.Key,
		owner:   owner,
		ttl:     l.cfg.TTL,
		logger:  l.logger,
		lost:    make(chan struct{}),
	}
}

// Lease is a held projection lease.
type Lease struct {
	backend Backend
	key     string
	owner   string
	ttl     time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	stop     context.CancelFunc
	done     chan struct{}
	lost     chan struct{}
	lostOnce sync.Once
}

// Owner returns the holder id, prefixed with the lease kind.
func (l *Lease) Owner() string {
	return l.owner
}

// Lost is closed when a refresh finds the lease gone.
func (l *Lease) Lost() <-chan struct{} {
	return l.lost
}

// KeepAlive refreshes the lease every third of its TTL until Release or ctx ends.
func (l *Lease) KeepAlive(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	l.stop = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := l.backend.Refresh(ctx, l.key, l.owner, l.ttl)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					l.logger.WarnContext(ctx, "failed to refresh projection lease",
						slog.String("owner", l.owner),
						slog.String("error", err.Error()),
					)
					continue
				}
				if !ok {
					l.logger.ErrorContext(ctx, "projection lease lost",
						slog.String("owner", l.owner),
					)
					l.markLost()
					return
				}
			}
		}
	}()
}

// Release stops the keepalive and frees the lease. It returns ErrLeaseLost
// when the lease was no longer held.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.stop != nil {
		l.stop()
		<-l.done
		l.stop = nil
	}
	l.mu.Unlock()

	ok, err := l.backend.Release(ctx, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("failed to release projection lease: %w", err)
	}
	if !ok {
		l.markLost()
		return ErrLeaseLost
	}
	return nil
}

func (l *Lease) markLost() {
	l.lostOnce.Do(func() { close(l.lost) })
}
