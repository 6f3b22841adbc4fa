package order_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/lock"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
	"github.com/lllypuk/orderledger/tests/testutil"
)

type stubLockStatus struct {
	running bool
	err     error
}

func (s stubLockStatus) RebuildRunning(context.Context) (bool, error) {
	return s.running, s.err
}

func TestRebuildService_TriggerRebuild(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	queue := repair.NewMemoryQueue()
	service := orderapp.NewRebuildService(stubLockStatus{}, repair.NewScheduler(queue, nil), nil)

	// Act
	ticket, err := service.TriggerRebuild(ctx, "ops")

	// Assert
	require.NoError(t, err)
	require.NotEmpty(t, ticket.JobID)
	testutil.AssertTimeApproximatelyEqual(t, time.Now().UTC(), ticket.RequestedAt, 5*time.Second)

	job, ok := queue.Get(ticket.JobID)
	require.True(t, ok)
	assert.Equal(t, repair.JobTypeRebuild, job.JobType)
	assert.Equal(t, repair.StatusPending, job.Status)
	assert.Equal(t, "ops", job.RequestedBy)
}

func TestRebuildService_RejectsWhileLeaseHeld(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	leases := lock.NewRebuildLock(lock.NewMemoryBackend(), lock.Config{}, nil)
	lease, err := leases.AcquireRebuild(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lease.Release(context.Background()) })

	queue := repair.NewMemoryQueue()
	service := orderapp.NewRebuildService(leases, repair.NewScheduler(queue, nil), nil)

	// Act
	_, err = service.TriggerRebuild(ctx, "ops")

	// Assert
	require.ErrorIs(t, err, appcore.ErrRebuildInProgress)
	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalCount)
}

func TestRebuildService_RejectsWhileJobPending(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	service := orderapp.NewRebuildService(stubLockStatus{}, repair.NewScheduler(repair.NewMemoryQueue(), nil), nil)
	_, err := service.TriggerRebuild(ctx, "ops")
	require.NoError(t, err)

	// Act
	_, err = service.TriggerRebuild(ctx, "someone-else")

	// Assert
	require.ErrorIs(t, err, appcore.ErrRebuildInProgress)
	assert.True(t, appcore.IsRetryable(err))
}

func TestRebuildService_LockCheckFailure(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	lockErr := errors.New("redis: i/o timeout")
	service := orderapp.NewRebuildService(
		stubLockStatus{err: lockErr}, repair.NewScheduler(repair.NewMemoryQueue(), nil), nil)

	// Act
	_, err := service.TriggerRebuild(ctx, "ops")

	// Assert
	require.ErrorIs(t, err, lockErr)
	assert.NotErrorIs(t, err, appcore.ErrRebuildInProgress)
}
