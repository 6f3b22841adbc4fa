package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventstore"
	"github.com/lllypuk/orderledger/tests/testutil"
)

// conflictingStore rejects the first n appends with a conflict, as if another
// writer had won each race.
type conflictingStore struct {
	*eventstore.InMemoryEventStore

	mu        sync.Mutex
	remaining int
	appends   int
}

func (s *conflictingStore) Append(
	ctx context.Context,
	aggregateID string,
	events []event.NewEvent,
	expectedVersion int,
) (int, error) {
	s.mu.Lock()
	s.appends++
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return 0, appcore.NewConcurrencyConflictError(aggregateID, expectedVersion, expectedVersion+1)
	}
	s.mu.Unlock()
	return s.InMemoryEventStore.Append(ctx, aggregateID, events, expectedVersion)
}

type observedCommand struct {
	command  string
	outcome  string
	attempts int
}

type recordingObserver struct {
	mu       sync.Mutex
	commands []observedCommand
}

func (o *recordingObserver) ObserveCommand(command, outcome string, attempts int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.commands = append(o.commands, observedCommand{command: command, outcome: outcome, attempts: attempts})
}

func (o *recordingObserver) last() observedCommand {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.commands[len(o.commands)-1]
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []orderapp.AppendNotice
	err     error
}

func (n *recordingNotifier) NotifyAppended(_ context.Context, notice orderapp.AppendNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

func TestCommandHandler_FullLifecycle(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	handler := orderapp.NewCommandHandler(store)
	create := testutil.CreateOrderCommandFixture()

	// Act
	commands := []orderdomain.Command{
		create,
		orderdomain.PayOrder{ID: create.ID, Amount: 5000, PaymentRef: "pay-1"},
		orderdomain.ShipOrder{ID: create.ID, Carrier: "DHL", TrackingNumber: "TRK-1"},
		orderdomain.DeliverOrder{ID: create.ID, ReceivedBy: "front desk"},
	}
	var last orderapp.Result
	for i, cmd := range commands {
		res, err := handler.Handle(ctx, cmd)
		require.NoError(t, err, "command %s", cmd.CommandName())
		assert.Equal(t, i+1, res.Version)
		assert.Equal(t, 1, res.Attempts)
		last = res
	}

	// Assert
	assert.Equal(t, create.ID, last.OrderID)
	assert.Equal(t, []string{orderdomain.EventTypeOrderDelivered}, last.EventTypes)

	stored, err := store.ReadAggregate(ctx, create.ID, 0)
	require.NoError(t, err)
	testutil.AssertStreamVersions(t, stored)
	testutil.AssertEventTypes(t, stored,
		orderdomain.EventTypeOrderCreated,
		orderdomain.EventTypeOrderPaid,
		orderdomain.EventTypeOrderShipped,
		orderdomain.EventTypeOrderDelivered,
	)
}

func TestCommandHandler_RejectsInvalidCommands(t *testing.T) {
	tests := []struct {
		name  string
		setup func(id string) []orderdomain.Command
		cmd   func(id string) orderdomain.Command
	}{
		{
			name:  "pay unknown order",
			setup: func(string) []orderdomain.Command { return nil },
			cmd: func(id string) orderdomain.Command {
				return orderdomain.PayOrder{ID: id, Amount: 5000, PaymentRef: "pay-1"}
			},
		},
		{
			name:  "create without items",
			setup: func(string) []orderdomain.Command { return nil },
			cmd: func(id string) orderdomain.Command {
				return testutil.CreateOrderCommandFixture(testutil.WithOrderID(id), testutil.WithItems())
			},
		},
		{
			name: "create twice",
			setup: func(id string) []orderdomain.Command {
				return []orderdomain.Command{testutil.CreateOrderCommandFixture(testutil.WithOrderID(id))}
			},
			cmd: func(id string) orderdomain.Command {
				return testutil.CreateOrderCommandFixture(testutil.WithOrderID(id))
			},
		},
		{
			name: "ship before payment",
			setup: func(id string) []orderdomain.Command {
				return []orderdomain.Command{testutil.CreateOrderCommandFixture(testutil.WithOrderID(id))}
			},
			cmd: func(id string) orderdomain.Command {
				return orderdomain.ShipOrder{ID: id, Carrier: "DHL", TrackingNumber: "TRK-1"}
			},
		},
		{
			name: "wrong payment amount",
			setup: func(id string) []orderdomain.Command {
				return []orderdomain.Command{testutil.CreateOrderCommandFixture(testutil.WithOrderID(id))}
			},
			cmd: func(id string) orderdomain.Command {
				return orderdomain.PayOrder{ID: id, Amount: 1, PaymentRef: "pay-1"}
			},
		},
		{
			name: "refund after cancel",
			setup: func(id string) []orderdomain.Command {
				return []orderdomain.Command{
					testutil.CreateOrderCommandFixture(testutil.WithOrderID(id)),
					orderdomain.CancelOrder{ID: id, Reason: "changed mind"},
				}
			},
			cmd: func(id string) orderdomain.Command {
				return orderdomain.RefundOrder{ID: id, Amount: 100}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			ctx := testutil.NewTestContext(t)
			store := eventstore.NewInMemoryEventStore()
			observer := &recordingObserver{}
			handler := orderapp.NewCommandHandler(store, orderapp.WithObserver(observer))
			id := "order-1"
			for _, cmd := range tt.setup(id) {
				_, err := handler.Handle(ctx, cmd)
				require.NoError(t, err)
			}
			before, err := store.TailOffset(ctx)
			require.NoError(t, err)

			// Act
			_, err = handler.Handle(ctx, tt.cmd(id))

			// Assert
			require.ErrorIs(t, err, errs.ErrInvalidCommand)
			var invalid *orderdomain.InvalidCommandError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.cmd(id).CommandName(), invalid.Command)

			after, err := store.TailOffset(ctx)
			require.NoError(t, err)
			assert.Equal(t, before, after, "rejected commands must not append")
			assert.Equal(t, observedCommand{
				command:  tt.cmd(id).CommandName(),
				outcome:  orderapp.OutcomeRejected,
				attempts: 1,
			}, observer.last())
		})
	}
}

func TestCommandHandler_EmptyOrderID(t *testing.T) {
	// Arrange
	handler := orderapp.NewCommandHandler(eventstore.NewInMemoryEventStore())

	// Act
	_, err := handler.Handle(context.Background(), orderdomain.CancelOrder{})

	// Assert
	require.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestCommandHandler_RetriesConflicts(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := &conflictingStore{InMemoryEventStore: eventstore.NewInMemoryEventStore(), remaining: 2}
	observer := &recordingObserver{}
	handler := orderapp.NewCommandHandler(store, orderapp.WithObserver(observer))

	// Act
	res, err := handler.Handle(ctx, testutil.CreateOrderCommandFixture())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 1, res.Version)
	assert.Equal(t, 3, store.appends)
	assert.Equal(t, orderapp.OutcomeSuccess, observer.last().outcome)
	assert.Equal(t, 3, observer.last().attempts)
}

func TestCommandHandler_GivesUpAfterMaxAttempts(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := &conflictingStore{InMemoryEventStore: eventstore.NewInMemoryEventStore(), remaining: 10}
	observer := &recordingObserver{}
	handler := orderapp.NewCommandHandler(store, orderapp.WithObserver(observer))
	cmd := testutil.CreateOrderCommandFixture()

	// Act
	_, err := handler.Handle(ctx, cmd)

	// Assert
	require.ErrorIs(t, err, appcore.ErrConcurrencyConflict)
	assert.Contains(t, err.Error(), "gave up after 3 attempts")
	assert.Equal(t, orderapp.DefaultMaxAttempts, store.appends)
	assert.Equal(t, observedCommand{command: "CreateOrder", outcome: orderapp.OutcomeConflict, attempts: 3}, observer.last())

	version, err := store.Version(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestCommandHandler_WithMaxAttempts(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := &conflictingStore{InMemoryEventStore: eventstore.NewInMemoryEventStore(), remaining: 4}
	handler := orderapp.NewCommandHandler(store, orderapp.WithMaxAttempts(5))

	// Act
	res, err := handler.Handle(ctx, testutil.CreateOrderCommandFixture())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 5, res.Attempts)
}

func TestCommandHandler_ExpectVersionIsNotRetried(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	observer := &recordingObserver{}
	handler := orderapp.NewCommandHandler(store, orderapp.WithObserver(observer))
	create := testutil.CreateOrderCommandFixture()
	_, err := handler.Handle(ctx, create)
	require.NoError(t, err)
	_, err = handler.Handle(ctx, orderdomain.PayOrder{ID: create.ID, Amount: 5000, PaymentRef: "pay-1"})
	require.NoError(t, err)

	// Act
	_, err = handler.Handle(ctx, orderdomain.CancelOrder{ID: create.ID}, orderapp.ExpectVersion(1))

	// Assert
	var conflict *appcore.ConcurrencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.ExpectedVersion)
	assert.Equal(t, 2, conflict.ActualVersion)
	assert.Equal(t, observedCommand{command: "CancelOrder", outcome: orderapp.OutcomeConflict, attempts: 1}, observer.last())
}

func TestCommandHandler_ExpectVersionMatches(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	handler := orderapp.NewCommandHandler(eventstore.NewInMemoryEventStore())
	create := testutil.CreateOrderCommandFixture()
	_, err := handler.Handle(ctx, create, orderapp.ExpectVersion(0))
	require.NoError(t, err)

	// Act
	res, err := handler.Handle(ctx, orderdomain.CancelOrder{ID: create.ID, Reason: "duplicate"}, orderapp.ExpectVersion(1))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, []string{orderdomain.EventTypeOrderCancelled}, res.EventTypes)
}

func TestCommandHandler_ConcurrentCreatesSingleWinner(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	handler := orderapp.NewCommandHandler(store)
	const writers = 10

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)

	// Act
	for i := range writers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := testutil.CreateOrderCommandFixture(testutil.WithOrderID("order-race"))
			_, err := handler.Handle(ctx, cmd)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, errs.ErrInvalidCommand):
				rejected++
			default:
				t.Errorf("writer %d: unexpected error: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// Assert
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, rejected)

	stored, err := store.ReadAggregate(ctx, "order-race", 0)
	require.NoError(t, err)
	testutil.AssertEventTypes(t, stored, orderdomain.EventTypeOrderCreated)
}

func TestCommandHandler_ConcurrentPayAndCancelKeepStreamConsistent(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	handler := orderapp.NewCommandHandler(store)
	create := testutil.CreateOrderCommandFixture()
	_, err := handler.Handle(ctx, create)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errsCh := make(chan error, 2)

	// Act
	for _, cmd := range []orderdomain.Command{
		orderdomain.PayOrder{ID: create.ID, Amount: 5000, PaymentRef: "pay-1"},
		orderdomain.CancelOrder{ID: create.ID, Reason: "too slow"},
	} {
		wg.Add(1)
		go func(cmd orderdomain.Command) {
			defer wg.Done()
			_, handleErr := handler.Handle(ctx, cmd)
			errsCh <- handleErr
		}(cmd)
	}
	wg.Wait()
	close(errsCh)

	// Assert
	for handleErr := range errsCh {
		if handleErr != nil {
			require.ErrorIs(t, handleErr, errs.ErrInvalidCommand)
		}
	}

	stored, err := store.ReadAggregate(ctx, create.ID, 0)
	require.NoError(t, err)
	testutil.AssertStreamVersions(t, stored)

	state, _, err := orderapp.NewReconstructor(store).Reconstruct(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, orderdomain.StatusCancelled, state.Status)
	if len(stored) == 3 {
		// Pay won the race, so the cancellation owes the payment back.
		assert.Equal(t, int64(5000), state.RefundDue)
	} else {
		assert.Zero(t, state.RefundDue)
	}
}

func TestCommandHandler_MetadataFromContext(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	ctx = appcore.WithUserID(ctx, "user-42")
	ctx = appcore.WithCorrelationID(ctx, "corr-7")
	store := eventstore.NewInMemoryEventStore()
	handler := orderapp.NewCommandHandler(store)
	create := testutil.CreateOrderCommandFixture()

	// Act
	_, err := handler.Handle(ctx, create)
	require.NoError(t, err)

	// Assert
	stored, err := store.ReadAggregate(ctx, create.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	testutil.AssertMetadata(t, stored[0], "user-42", "corr-7")
}

func TestCommandHandler_ExplicitMetadataWins(t *testing.T) {
	// Arrange
	ctx := appcore.WithUserID(testutil.NewTestContext(t), "user-42")
	store := eventstore.NewInMemoryEventStore()
	handler := orderapp.NewCommandHandler(store)
	create := testutil.CreateOrderCommandFixture()
	md := event.NewMetadata("importer", "batch-3", "").WithIPAddress("10.0.0.1")

	// Act
	_, err := handler.Handle(ctx, create, orderapp.WithMetadata(md))
	require.NoError(t, err)

	// Assert
	stored, err := store.ReadAggregate(ctx, create.ID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	testutil.AssertMetadata(t, stored[0], "importer", "batch-3")
	assert.Equal(t, "10.0.0.1", stored[0].Metadata.IPAddress)
}

func TestCommandHandler_NotifiesAfterAppend(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	notifier := &recordingNotifier{}
	handler := orderapp.NewCommandHandler(eventstore.NewInMemoryEventStore(), orderapp.WithNotifier(notifier))
	create := testutil.CreateOrderCommandFixture()

	// Act
	_, err := handler.Handle(ctx, create)
	require.NoError(t, err)
	_, rejectErr := handler.Handle(ctx, orderdomain.ShipOrder{ID: create.ID, Carrier: "DHL", TrackingNumber: "TRK"})

	// Assert
	require.Error(t, rejectErr)
	require.Len(t, notifier.notices, 1)
	assert.Equal(t, orderapp.AppendNotice{
		AggregateID: create.ID,
		Version:     1,
		EventTypes:  []string{orderdomain.EventTypeOrderCreated},
	}, notifier.notices[0])
}

func TestCommandHandler_NotifierFailureDoesNotFailCommand(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	notifier := &recordingNotifier{err: errors.New("redis: connection refused")}
	handler := orderapp.NewCommandHandler(store, orderapp.WithNotifier(notifier))
	create := testutil.CreateOrderCommandFixture()

	// Act
	res, err := handler.Handle(ctx, create)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 1, res.Version)
	assert.Len(t, notifier.notices, 1)

	version, err := store.Version(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestCommandHandler_CorruptStream(t *testing.T) {
	// Arrange
	ctx := testutil.NewTestContext(t)
	store := eventstore.NewInMemoryEventStore()
	observer := &recordingObserver{}
	handler := orderapp.NewCommandHandler(store, orderapp.WithObserver(observer))
	create := testutil.CreateOrderCommandFixture()
	_, err := handler.Handle(ctx, create)
	require.NoError(t, err)
	require.True(t, store.Corrupt(1, "order.teleported"))

	// Act
	_, err = handler.Handle(ctx, orderdomain.CancelOrder{ID: create.ID})

	// Assert
	require.Error(t, err)
	assert.True(t, event.IsSerializationError(err))
	assert.Equal(t, observedCommand{command: "CancelOrder", outcome: orderapp.OutcomeCorrupted, attempts: 1}, observer.last())
}
