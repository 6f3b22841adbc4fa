package eventstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventstore"
)

func TestInMemoryEventStore_Contract(t *testing.T) {
	runEventStoreContract(t, func(_ *testing.T) appcore.EventStore {
		return eventstore.NewInMemoryEventStore()
	})
}

type recordingObserver struct {
	appended  int
	conflicts int
}

func (o *recordingObserver) ObserveAppend(events []event.StoredEvent, _ time.Duration) {
	o.appended += len(events)
}

func (o *recordingObserver) ObserveConflict(string) {
	o.conflicts++
}

func TestInMemoryEventStore_ObserverAndClock(t *testing.T) {
	// Arrange
	fixed := time.Date(2024, 3, 1, 10, 0, 0, 123456789, time.UTC)
	observer := &recordingObserver{}
	store := eventstore.NewInMemoryEventStore(
		eventstore.WithClock(func() time.Time { return fixed }),
		eventstore.WithObserver(observer),
	)
	ctx := context.Background()

	// Act
	_, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)
	require.NoError(t, err)
	_, err = store.Append(ctx, "order1", newEvents(t, created(100)), 0)
	require.Error(t, err)
	stored, err := store.ReadAggregate(ctx, "order1", 0)
	require.NoError(t, err)

	// Assert
	assert.Equal(t, 1, observer.appended)
	assert.Equal(t, 1, observer.conflicts)
	assert.Equal(t, fixed.Truncate(time.Millisecond), stored[0].RecordedAt)
}

func TestInMemoryEventStore_CancelledContext(t *testing.T) {
	store := eventstore.NewInMemoryEventStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)

	require.ErrorIs(t, err, context.Canceled)
	version, err := store.Version(context.Background(), "order1")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestInMemoryEventStore_ReadsDoNotAliasHistory(t *testing.T) {
	// Arrange
	store := eventstore.NewInMemoryEventStore()
	ctx := context.Background()
	_, err := store.Append(ctx, "order1", newEvents(t, created(100)), 0)
	require.NoError(t, err)
	original, err := store.ReadAggregate(ctx, "order1", 0)
	require.NoError(t, err)
	want := append([]byte(nil), original[0].Payload...)

	// Act
	byAggregate, err := store.ReadAggregate(ctx, "order1", 0)
	require.NoError(t, err)
	clear(byAggregate[0].Payload)
	fromLog, err := store.ReadAll(ctx, 0, 10)
	require.NoError(t, err)
	clear(fromLog[0].Payload)

	// Assert
	again, err := store.ReadAggregate(ctx, "order1", 0)
	require.NoError(t, err)
	assert.Equal(t, want, again[0].Payload)
	all, err := store.ReadAll(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, want, all[0].Payload)
}
