package eventbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/eventbus"
)

func TestMemoryEventBus_NotifyAppended(t *testing.T) {
	bus := eventbus.NewMemoryEventBus()
	var got []orderapp.AppendNotice
	bus.Subscribe(func(_ context.Context, n orderapp.AppendNotice) error {
		got = append(got, n)
		return nil
	})
	bus.Subscribe(func(context.Context, orderapp.AppendNotice) error {
		return errors.New("handler down")
	})

	// Act
	err := bus.NotifyAppended(context.Background(), orderapp.AppendNotice{AggregateID: "order-1", Version: 2})

	// Assert
	require.EqualError(t, err, "handler down")
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version)
}

func TestTrigger_Coalesces(t *testing.T) {
	ch := make(chan struct{}, 1)
	bus := eventbus.NewMemoryEventBus()
	bus.Subscribe(eventbus.Trigger(ch))

	for range 5 {
		require.NoError(t, bus.NotifyAppended(context.Background(), orderapp.AppendNotice{AggregateID: "order-1"}))
	}

	assert.Len(t, ch, 1)
}
