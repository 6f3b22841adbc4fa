package eventstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

// storeFactory returns a fresh, empty store for each subtest.
type storeFactory func(t *testing.T) appcore.EventStore

func newEvents(t *testing.T, events ...orderdomain.Event) []event.NewEvent {
	t.Helper()

	encoded, err := orderdomain.EncodeAll(events, event.NewMetadata("user-1", "corr-1", ""))
	require.NoError(t, err)
	return encoded
}

func created(total int64) orderdomain.OrderCreated {
	return orderdomain.OrderCreated{
		CustomerID: "cust-1",
		Currency:   "EUR",
		Items:      []orderdomain.LineItem{{SKU: "SKU-1", Quantity: 1, UnitPrice: total}},
		Total:      total,
	}
}

// runEventStoreContract checks the behaviour every EventStore implementation must share.
func runEventStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("append first event returns version 1", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()

		// Act
		version, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)
		require.NoError(t, err)
		stored, err := store.ReadAggregate(ctx, "order1", 0)
		require.NoError(t, err)

		// Assert
		assert.Equal(t, 1, version)
		require.Len(t, stored, 1)
		assert.Equal(t, orderdomain.EventTypeOrderCreated, stored[0].EventType)
		assert.Equal(t, 1, stored[0].Version)
		assert.Equal(t, orderdomain.AggregateType, stored[0].AggregateType)
		assert.Equal(t, "corr-1", stored[0].Metadata.CorrelationID)
		assert.NotEmpty(t, stored[0].EventID)
		assert.False(t, stored[0].RecordedAt.IsZero())

		decoded, err := orderdomain.Decode(stored[0])
		require.NoError(t, err)
		assert.Equal(t, created(100), decoded)
	})

	t.Run("versions are gap free across appends", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		v, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)
		require.NoError(t, err)
		v, err = store.Append(ctx, "order1", newEvents(t,
			orderdomain.OrderPaid{Amount: 100, PaymentRef: "p"},
			orderdomain.OrderShipped{Carrier: "DHL", TrackingNumber: "T"},
		), v)
		require.NoError(t, err)
		v, err = store.Append(ctx, "order1", newEvents(t, orderdomain.OrderDelivered{}), v)
		require.NoError(t, err)

		stored, err := store.ReadAggregate(ctx, "order1", 0)
		require.NoError(t, err)
		assert.Equal(t, 4, v)
		for i, se := range stored {
			assert.Equal(t, i+1, se.Version)
		}

		version, err := store.Version(ctx, "order1")
		require.NoError(t, err)
		assert.Equal(t, 4, version)
	})

	t.Run("read aggregate from version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, "order1", newEvents(t,
			created(100),
			orderdomain.OrderPaid{Amount: 100, PaymentRef: "p"},
			orderdomain.OrderCancelled{RefundDue: 100},
		), 0)
		require.NoError(t, err)

		stored, err := store.ReadAggregate(ctx, "order1", 1)
		require.NoError(t, err)
		none, err := store.ReadAggregate(ctx, "order1", 3)
		require.NoError(t, err)
		missing, err := store.ReadAggregate(ctx, "nobody", 0)
		require.NoError(t, err)

		require.Len(t, stored, 2)
		assert.Equal(t, 2, stored[0].Version)
		assert.Equal(t, 3, stored[1].Version)
		assert.Empty(t, none)
		assert.Empty(t, missing)
	})

	t.Run("stale expected version is a conflict with the actual version", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)
		require.NoError(t, err)
		_, err = store.Append(ctx, "order1", newEvents(t, orderdomain.OrderPaid{Amount: 100, PaymentRef: "p"}), 1)
		require.NoError(t, err)

		// Act
		_, err = store.Append(ctx, "order1", newEvents(t,
			orderdomain.OrderCancelled{},
			orderdomain.OrderRefunded{Amount: 1},
		), 1)

		// Assert
		var conflict *appcore.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.ErrorIs(t, err, appcore.ErrConcurrencyConflict)
		assert.Equal(t, 2, conflict.ActualVersion)
		assert.Equal(t, 1, conflict.ExpectedVersion)

		stored, err := store.ReadAggregate(ctx, "order1", 0)
		require.NoError(t, err)
		assert.Len(t, stored, 2, "rejected batch must not be partially visible")

		tail, err := store.TailOffset(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), tail, "rejected batch must not consume offsets")
	})

	t.Run("expected version ahead of the stream is a conflict", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Append(context.Background(), "order1", newEvents(t, created(100)), 5)

		var conflict *appcore.ConcurrencyConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, 0, conflict.ActualVersion)
	})

	t.Run("empty append is rejected", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Append(context.Background(), "order1", nil, 0)

		assert.ErrorIs(t, err, appcore.ErrEmptyAppend)
	})

	t.Run("concurrent appends with the same expected version", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		_, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)
		require.NoError(t, err)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes []int
			conflicts []*appcore.ConcurrencyConflictError
			others    []error
		)

		// Act
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, errAppend := store.Append(ctx, "order1", newEvents(t,
					orderdomain.OrderPaid{Amount: 100, PaymentRef: fmt.Sprintf("pay-%d", i)},
				), 1)

				mu.Lock()
				defer mu.Unlock()
				var conflict *appcore.ConcurrencyConflictError
				switch {
				case errAppend == nil:
					successes = append(successes, v)
				case assert.ErrorAs(t, errAppend, &conflict):
					conflicts = append(conflicts, conflict)
				default:
					others = append(others, errAppend)
				}
			}(i)
		}
		wg.Wait()

		// Assert
		require.Empty(t, others)
		require.Len(t, successes, 1)
		assert.Equal(t, 2, successes[0])
		require.Len(t, conflicts, writers-1)
		for _, c := range conflicts {
			assert.Equal(t, 2, c.ActualVersion)
		}

		stored, err := store.ReadAggregate(ctx, "order1", 0)
		require.NoError(t, err)
		assert.Len(t, stored, 2)
	})

	t.Run("read all pages in offset order and resumes", func(t *testing.T) {
		// Arrange
		store := newStore(t)
		ctx := context.Background()
		versions := map[string]int{}
		for i := range 12 {
			id := fmt.Sprintf("order-%d", i%3)
			var e orderdomain.Event = created(int64(i + 1))
			if versions[id] > 0 {
				e = orderdomain.OrderCancelled{Reason: fmt.Sprintf("r%d", i)}
			}
			v, err := store.Append(ctx, id, newEvents(t, e), versions[id])
			require.NoError(t, err)
			versions[id] = v
		}

		// Act
		var all []event.StoredEvent
		var from int64
		for {
			page, err := store.ReadAll(ctx, from, 5)
			require.NoError(t, err)
			if len(page) == 0 {
				break
			}
			assert.LessOrEqual(t, len(page), 5)
			all = append(all, page...)
			from = page[len(page)-1].GlobalOffset
		}

		// Assert
		require.Len(t, all, 12)
		perAggregate := map[string]int{}
		for i, se := range all {
			assert.Equal(t, int64(i+1), se.GlobalOffset)
			perAggregate[se.AggregateID]++
			assert.Equal(t, perAggregate[se.AggregateID], se.Version)
		}

		tail, err := store.TailOffset(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(12), tail)

		rest, err := store.ReadAll(ctx, 10, 0)
		require.NoError(t, err)
		require.Len(t, rest, 2)
		assert.Equal(t, int64(11), rest[0].GlobalOffset)
	})

	t.Run("empty store", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		all, err := store.ReadAll(ctx, 0, 10)
		require.NoError(t, err)
		tail, err := store.TailOffset(ctx)
		require.NoError(t, err)
		version, err := store.Version(ctx, "order1")
		require.NoError(t, err)

		assert.Empty(t, all)
		assert.Zero(t, tail)
		assert.Zero(t, version)
	})
}
