package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// RunProjectionStoreContract checks the behaviour shared by every
// orderapp.ProjectionStore implementation. newStore must return an empty store.
func RunProjectionStoreContract(t *testing.T, newStore func(t *testing.T) orderapp.ProjectionStore) {
	t.Run("get missing returns not found", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Get(context.Background(), "missing")

		require.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("upsert stores every field", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		rm := PaidReadModelFixture("order-1", 2)
		shippedAt := FixtureTime.Add(2 * time.Minute)
		rm.ShippedAt = &shippedAt

		// Act
		stored, err := store.Upsert(ctx, rm)
		require.NoError(t, err)
		got, err := store.Get(ctx, "order-1")
		require.NoError(t, err)

		// Assert
		assert.True(t, stored)
		assert.Equal(t, rm, *got)
	})

	t.Run("upsert ignores stale and equal offsets", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Upsert(ctx, PaidReadModelFixture("order-1", 5))
		require.NoError(t, err)

		// Act
		equal, err := store.Upsert(ctx, ReadModelFixture("order-1", 5))
		require.NoError(t, err)
		older, err := store.Upsert(ctx, ReadModelFixture("order-1", 3))
		require.NoError(t, err)
		newer, err := store.Upsert(ctx, ReadModelFixture("order-1", 9))
		require.NoError(t, err)

		// Assert
		assert.False(t, equal)
		assert.False(t, older)
		assert.True(t, newer)
		got, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(9), got.LastAppliedGlobalOffset)
		assert.Equal(t, orderdomain.StatusCreated, got.Status)
	})

	t.Run("replace overwrites regardless of offset", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Upsert(ctx, PaidReadModelFixture("order-1", 5))
		require.NoError(t, err)

		require.NoError(t, store.Replace(ctx, ReadModelFixture("order-1", 1)))

		got, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.LastAppliedGlobalOffset)
		assert.Nil(t, got.PaidAt)
	})

	t.Run("list filters and pages in id order", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		for i := range 6 {
			rm := ReadModelFixture(fmt.Sprintf("order-%d", i), int64(i+1))
			if i%2 == 0 {
				rm = PaidReadModelFixture(rm.AggregateID, rm.LastAppliedGlobalOffset)
			}
			if i >= 4 {
				rm.CustomerID = "customer-2"
			}
			_, err := store.Upsert(ctx, rm)
			require.NoError(t, err)
		}
		paid := orderdomain.StatusPaid

		// Act
		all, err := store.List(ctx, orderapp.Filters{})
		require.NoError(t, err)
		paidOnly, err := store.List(ctx, orderapp.Filters{Status: &paid})
		require.NoError(t, err)
		customer, err := store.List(ctx, orderapp.Filters{CustomerID: "customer-2"})
		require.NoError(t, err)
		page, err := store.List(ctx, orderapp.Filters{Offset: 2, Limit: 2})
		require.NoError(t, err)

		// Assert
		require.Len(t, all, 6)
		assert.Equal(t, "order-0", all[0].AggregateID)
		assert.Equal(t, "order-5", all[5].AggregateID)
		require.Len(t, paidOnly, 3)
		for _, rm := range paidOnly {
			assert.Equal(t, orderdomain.StatusPaid, rm.Status)
		}
		require.Len(t, customer, 2)
		assert.Equal(t, "order-4", customer[0].AggregateID)
		require.Len(t, page, 2)
		assert.Equal(t, "order-2", page[0].AggregateID)
		assert.Equal(t, "order-3", page[1].AggregateID)
	})

	t.Run("checkpoint only moves forward", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		initial, err := store.Checkpoint(ctx)
		require.NoError(t, err)
		require.NoError(t, store.SaveCheckpoint(ctx, 10))
		require.NoError(t, store.SaveCheckpoint(ctx, 4))
		current, err := store.Checkpoint(ctx)
		require.NoError(t, err)

		assert.Zero(t, initial)
		assert.Equal(t, int64(10), current)
	})

	t.Run("shadow is invisible until swap", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Upsert(ctx, ReadModelFixture("stale", 1))
		require.NoError(t, err)
		require.NoError(t, store.SaveCheckpoint(ctx, 1))

		shadow, err := store.NewShadow(ctx)
		require.NoError(t, err)
		_, err = shadow.Upsert(ctx, PaidReadModelFixture("order-1", 7))
		require.NoError(t, err)

		// Act
		_, errBefore := store.Get(ctx, "order-1")
		inShadow, errShadow := shadow.Get(ctx, "order-1")
		require.NoError(t, shadow.Swap(ctx, 7))

		// Assert
		require.ErrorIs(t, errBefore, errs.ErrNotFound)
		require.NoError(t, errShadow)
		assert.Equal(t, orderdomain.StatusPaid, inShadow.Status)

		got, err := store.Get(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, PaidReadModelFixture("order-1", 7), *got)
		_, err = store.Get(ctx, "stale")
		require.ErrorIs(t, err, errs.ErrNotFound)

		checkpoint, err := store.Checkpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7), checkpoint)
	})

	t.Run("new shadow starts empty and discard keeps live", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Upsert(ctx, ReadModelFixture("live", 1))
		require.NoError(t, err)

		first, err := store.NewShadow(ctx)
		require.NoError(t, err)
		_, err = first.Upsert(ctx, ReadModelFixture("leftover", 2))
		require.NoError(t, err)
		require.NoError(t, first.Discard(ctx))

		second, err := store.NewShadow(ctx)
		require.NoError(t, err)
		_, errLeftover := second.Get(ctx, "leftover")
		live, errLive := store.Get(ctx, "live")

		require.ErrorIs(t, errLeftover, errs.ErrNotFound)
		require.NoError(t, errLive)
		assert.Equal(t, "live", live.AggregateID)
	})
}
