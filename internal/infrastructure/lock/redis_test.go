//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/lock"
	"github.com/lllypuk/orderledger/tests/testutil"
)

func TestRedisBackend_LeaseLifecycle(t *testing.T) {
	// Arrange
	client := testutil.SetupTestRedis(t)
	backend := lock.NewRedisBackend(client)
	ctx := context.Background()

	// Act & Assert
	ok, err := backend.TryAcquire(ctx, "lease", "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = backend.TryAcquire(ctx, "lease", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = backend.Refresh(ctx, "lease", "b", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "non-holder cannot refresh")

	ok, err = backend.Refresh(ctx, "lease", "a", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	ttl, err := client.PTTL(ctx, "lease").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 2*time.Second)

	ok, err = backend.Release(ctx, "lease", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := backend.Holder(ctx, "lease")
	require.NoError(t, err)
	assert.Equal(t, "a", holder)

	ok, err = backend.Release(ctx, "lease", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	holder, err = backend.Holder(ctx, "lease")
	require.NoError(t, err)
	assert.Empty(t, holder)
}

func TestRedisBackend_RebuildLock(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	l := lock.NewRebuildLock(lock.NewRedisBackend(client), lock.Config{Key: "rebuild-lock"}, nil)
	ctx := context.Background()

	lease, err := l.AcquireRebuild(ctx)
	require.NoError(t, err)
	_, err = l.AcquireRebuild(ctx)
	require.ErrorIs(t, err, appcore.ErrRebuildInProgress)
	_, ok, err := l.TryAcquireConsumer(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, lease.Release(ctx))
	_, ok, err = l.TryAcquireConsumer(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
