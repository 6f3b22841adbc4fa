package repair_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/infrastructure/repair"
)

// runQueueContract checks the behaviour every Queue backend shares.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) repair.Queue) {
	t.Run("add and claim oldest first", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		first, err := q.Add(ctx, repair.Job{JobType: repair.JobTypeRepair, AggregateID: "order-1"})
		require.NoError(t, err)
		_, err = q.Add(ctx, repair.Job{JobType: repair.JobTypeRepair, AggregateID: "order-2"})
		require.NoError(t, err)

		// Act
		jobs, err := q.Claim(ctx, 1)

		// Assert
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, first, jobs[0].ID)
		assert.Equal(t, repair.StatusProcessing, jobs[0].Status)
		assert.Equal(t, 1, jobs[0].Attempts)
		assert.NotNil(t, jobs[0].StartedAt)

		stats, err := q.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.PendingCount)
		assert.Equal(t, int64(1), stats.ProcessingCount)
		assert.Equal(t, int64(2), stats.TotalCount)
	})

	t.Run("claimed job is not claimed twice", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		_, err := q.Add(ctx, repair.Job{JobType: repair.JobTypeRebuild})
		require.NoError(t, err)

		first, err := q.Claim(ctx, 5)
		require.NoError(t, err)
		second, err := q.Claim(ctx, 5)
		require.NoError(t, err)

		assert.Len(t, first, 1)
		assert.Empty(t, second)
	})

	t.Run("dedupe key rejects active duplicate", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		job := repair.Job{JobType: repair.JobTypeRebuild, DedupeKey: repair.RebuildDedupeKey}

		id, err := q.Add(ctx, job)
		require.NoError(t, err)

		// Act
		_, err = q.Add(ctx, job)

		// Assert
		require.ErrorIs(t, err, repair.ErrDuplicateJob)

		// finishing the job frees the key
		_, err = q.Claim(ctx, 1)
		require.NoError(t, err)
		require.NoError(t, q.MarkCompleted(ctx, id))
		_, err = q.Add(ctx, job)
		require.NoError(t, err)
	})

	t.Run("failed job frees dedupe key and keeps error", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		job := repair.Job{JobType: repair.JobTypeRebuild, DedupeKey: repair.RebuildDedupeKey}

		id, err := q.Add(ctx, job)
		require.NoError(t, err)
		_, err = q.Claim(ctx, 1)
		require.NoError(t, err)

		require.NoError(t, q.MarkFailed(ctx, id, errors.New("boom")))

		_, err = q.Add(ctx, job)
		require.NoError(t, err)
		stats, err := q.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.FailedCount)
		assert.Equal(t, int64(1), stats.PendingCount)
	})

	t.Run("requeue makes job claimable again", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		_, err := q.Add(ctx, repair.Job{JobType: repair.JobTypeRepair, AggregateID: "order-9"})
		require.NoError(t, err)
		jobs, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, jobs, 1)

		require.NoError(t, q.Requeue(ctx, jobs[0].ID, errors.New("lease held")))

		again, err := q.Claim(ctx, 1)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, 2, again[0].Attempts)
		assert.Equal(t, "lease held", again[0].Error)
	})

	t.Run("incident is stored failed and never claimed", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		sched := repair.NewScheduler(q, nil)

		_, err := sched.RecordIncident(ctx, "order-3", errors.New("unknown event variant"))
		require.NoError(t, err)

		jobs, err := q.Claim(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		stats, err := q.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.FailedCount)
	})

	t.Run("scheduler maps duplicate rebuild", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		sched := repair.NewScheduler(q, nil)

		id, err := sched.EnqueueRebuild(ctx, "ops")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		// Act
		_, err = sched.EnqueueRebuild(ctx, "ops")

		// Assert
		require.ErrorIs(t, err, appcore.ErrRebuildInProgress)
	})

	t.Run("scheduler absorbs duplicate repair", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		sched := repair.NewScheduler(q, nil)

		id, err := sched.EnqueueRepair(ctx, "order-5", "ops")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		again, err := sched.EnqueueRepair(ctx, "order-5", "ops")
		require.NoError(t, err)
		assert.Empty(t, again)

		other, err := sched.EnqueueRepair(ctx, "order-6", "ops")
		require.NoError(t, err)
		assert.NotEmpty(t, other)
	})

	t.Run("concurrent claims split the jobs", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		const total = 12
		for range total {
			_, err := q.Add(ctx, repair.Job{JobType: repair.JobTypeRepair, AggregateID: "order-x"})
			require.NoError(t, err)
		}

		var (
			mu   sync.Mutex
			seen = make(map[string]int)
			wg   sync.WaitGroup
		)
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				jobs, err := q.Claim(ctx, total)
				assert.NoError(t, err)
				mu.Lock()
				defer mu.Unlock()
				for _, j := range jobs {
					seen[j.ID]++
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, total)
		for id, n := range seen {
			assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		q := newQueue(t)
		require.Error(t, q.MarkCompleted(context.Background(), "missing"))
	})
}
