package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventstore"
	"github.com/lllypuk/orderledger/internal/infrastructure/lock"
	"github.com/lllypuk/orderledger/internal/infrastructure/projector"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
	"github.com/lllypuk/orderledger/internal/infrastructure/repository/inmemory"
	"github.com/lllypuk/orderledger/internal/worker"
)

type fixture struct {
	store     *eventstore.InMemoryEventStore
	live      *inmemory.OrderProjectionStore
	leases    *lock.RebuildLock
	proj      *projector.OrderProjector
	queue     *repair.MemoryQueue
	scheduler *repair.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:  eventstore.NewInMemoryEventStore(),
		live:   inmemory.NewOrderProjectionStore(),
		leases: lock.NewRebuildLock(lock.NewMemoryBackend(), lock.Config{WaitTimeout: 200 * time.Millisecond}, nil),
		queue:  repair.NewMemoryQueue(),
	}
	f.proj = projector.NewOrderProjector(f.store, f.live, f.leases, nil, projector.Config{}, nil)
	f.scheduler = repair.NewScheduler(f.queue, nil)
	return f
}

func (f *fixture) createOrders(t *testing.T, n int) {
	t.Helper()

	ctx := context.Background()
	for i := range n {
		created := orderdomain.OrderCreated{
			CustomerID: "customer-1",
			Currency:   "EUR",
			Items:      []orderdomain.LineItem{{SKU: "SKU-1", Quantity: 1, UnitPrice: 100}},
			Total:      100,
		}
		encoded, err := orderdomain.EncodeAll([]orderdomain.Event{created}, event.Metadata{})
		require.NoError(t, err)
		_, err = f.store.Append(ctx, fmt.Sprintf("order-%03d", i), encoded, 0)
		require.NoError(t, err)
	}
}

type statsRecorder struct {
	mu    sync.Mutex
	calls int
	last  repair.QueueStats
}

func (r *statsRecorder) ObserveQueue(stats *repair.QueueStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.last = *stats
}

func TestProjectionWorker_TriggerCatchesUp(t *testing.T) {
	// Arrange
	f := newFixture(t)
	w := worker.NewProjectionWorker(f.proj, f.scheduler, nil, worker.ProjectionWorkerConfig{
		PollInterval: time.Hour,
		Enabled:      true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// Act
	f.createOrders(t, 3)
	w.Trigger() <- struct{}{}

	// Assert
	assert.Eventually(t, func() bool {
		checkpoint, err := f.live.Checkpoint(context.Background())
		return err == nil && checkpoint == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, f.live.Len())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestProjectionWorker_HaltsOnCorruptEvent(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.createOrders(t, 3)
	require.True(t, f.store.Corrupt(2, "order.teleported"))
	w := worker.NewProjectionWorker(f.proj, f.scheduler, nil, worker.DefaultProjectionWorkerConfig())
	ctx := context.Background()

	// Act
	w.RunOnce(ctx)

	// Assert
	halt := w.HaltReason()
	require.Error(t, halt)
	assert.ErrorIs(t, halt, event.ErrUnknownEventVariant)
	assert.True(t, worker.IsFatalProjectionError(halt))

	checkpoint, err := f.live.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Less(t, checkpoint, int64(2), "the corrupt event must not be skipped")

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedCount)

	_, incidentID, haltedAt := w.LastIncident()
	assert.NotEmpty(t, incidentID, "the recorded incident is reported")
	assert.False(t, haltedAt.IsZero())

	// A halted worker does nothing.
	w.RunOnce(ctx)
	stats, err = f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalCount)

	w.Resume()
	assert.NoError(t, w.HaltReason())
	_, incidentID, haltedAt = w.LastIncident()
	assert.Empty(t, incidentID)
	assert.True(t, haltedAt.IsZero())
}

func TestProjectionWorker_SkipsPassWhileRebuildHoldsLease(t *testing.T) {
	f := newFixture(t)
	f.createOrders(t, 2)
	ctx := context.Background()

	lease, err := f.leases.AcquireRebuild(ctx)
	require.NoError(t, err)

	w := worker.NewProjectionWorker(f.proj, f.scheduler, nil, worker.DefaultProjectionWorkerConfig())
	w.RunOnce(ctx)

	assert.NoError(t, w.HaltReason())
	assert.Equal(t, 0, f.live.Len())

	require.NoError(t, lease.Release(ctx))
	w.RunOnce(ctx)
	assert.Equal(t, 2, f.live.Len())
}

func TestProjectionWorker_Disabled(t *testing.T) {
	f := newFixture(t)
	w := worker.NewProjectionWorker(f.proj, nil, nil, worker.ProjectionWorkerConfig{Enabled: false})

	assert.NoError(t, w.Start(context.Background()))
}

func TestRepairWorker_RunsRebuildJob(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.createOrders(t, 5)
	ctx := context.Background()

	jobID, err := f.scheduler.EnqueueRebuild(ctx, "ops")
	require.NoError(t, err)

	var rebuilt atomic.Int32
	recorder := &statsRecorder{}
	w := worker.NewRepairWorker(f.queue, f.proj, nil, worker.DefaultRepairWorkerConfig(),
		worker.WithQueueObserver(recorder),
		worker.WithOnRebuilt(func() { rebuilt.Add(1) }),
	)

	// Act
	claimed := w.ProcessBatch(ctx)

	// Assert
	assert.Equal(t, 1, claimed)
	job, ok := f.queue.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, repair.StatusCompleted, job.Status)
	assert.Equal(t, 5, f.live.Len())
	assert.Equal(t, int32(1), rebuilt.Load())

	checkpoint, err := f.live.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), checkpoint)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	assert.Equal(t, 1, recorder.calls)
	assert.Equal(t, int64(1), recorder.last.CompletedCount)
}

func TestRepairWorker_RepairsSingleProjection(t *testing.T) {
	f := newFixture(t)
	f.createOrders(t, 2)
	ctx := context.Background()

	jobID, err := f.scheduler.EnqueueRepair(ctx, "order-001", "ops")
	require.NoError(t, err)

	w := worker.NewRepairWorker(f.queue, f.proj, nil, worker.DefaultRepairWorkerConfig())
	w.ProcessBatch(ctx)

	job, ok := f.queue.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, repair.StatusCompleted, job.Status)

	rm, err := f.live.Get(ctx, "order-001")
	require.NoError(t, err)
	assert.Equal(t, 1, rm.LastAppliedVersion)
}

func TestRepairWorker_MissingOrderFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	jobID, err := f.scheduler.EnqueueRepair(ctx, "ghost", "ops")
	require.NoError(t, err)

	w := worker.NewRepairWorker(f.queue, f.proj, nil, worker.DefaultRepairWorkerConfig())
	w.ProcessBatch(ctx)

	job, ok := f.queue.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, repair.StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.Error)
}

func TestRepairWorker_RequeuesWhileAnotherRebuildRuns(t *testing.T) {
	// Arrange
	f := newFixture(t)
	f.createOrders(t, 2)
	ctx := context.Background()

	lease, err := f.leases.AcquireRebuild(ctx)
	require.NoError(t, err)

	jobID, err := f.scheduler.EnqueueRebuild(ctx, "ops")
	require.NoError(t, err)
	w := worker.NewRepairWorker(f.queue, f.proj, nil, worker.DefaultRepairWorkerConfig())

	// Act
	w.ProcessBatch(ctx)

	// Assert
	job, ok := f.queue.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, repair.StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NotEmpty(t, job.Error)

	// Once the lease is free the same job completes.
	require.NoError(t, lease.Release(ctx))
	w.ProcessBatch(ctx)

	job, ok = f.queue.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, repair.StatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestRepairWorker_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lease, err := f.leases.AcquireRebuild(ctx)
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	jobID, err := f.scheduler.EnqueueRebuild(ctx, "ops")
	require.NoError(t, err)

	cfg := worker.DefaultRepairWorkerConfig()
	cfg.MaxRetries = 2
	w := worker.NewRepairWorker(f.queue, f.proj, nil, cfg)

	w.ProcessBatch(ctx)
	w.ProcessBatch(ctx)

	job, ok := f.queue.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, repair.StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)

	// The dedupe key is free again.
	_, err = f.scheduler.EnqueueRebuild(ctx, "ops")
	assert.NoError(t, err)
}

func TestIsFatalProjectionError(t *testing.T) {
	assert.True(t, worker.IsFatalProjectionError(&event.SerializationError{Err: errors.New("bad json")}))
	assert.False(t, worker.IsFatalProjectionError(errors.New("connection refused")))
	assert.False(t, worker.IsFatalProjectionError(lock.ErrLeaseLost))
}
