package inmemory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orderapp "github.com/lllypuk/orderledger/internal/application/order"
	"github.com/lllypuk/orderledger/internal/infrastructure/repository/inmemory"
	"github.com/lllypuk/orderledger/tests/testutil"
)

func TestOrderProjectionStore_Contract(t *testing.T) {
	testutil.RunProjectionStoreContract(t, func(_ *testing.T) orderapp.ProjectionStore {
		return inmemory.NewOrderProjectionStore()
	})
}

func TestOrderProjectionStore_ReturnsCopies(t *testing.T) {
	// Arrange
	store := inmemory.NewOrderProjectionStore()
	ctx := context.Background()
	_, err := store.Upsert(ctx, testutil.PaidReadModelFixture("order-1", 2))
	require.NoError(t, err)

	// Act
	got, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	got.Items[0].Quantity = 99
	*got.PaidAt = got.PaidAt.AddDate(1, 0, 0)

	// Assert
	again, err := store.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, testutil.PaidReadModelFixture("order-1", 2), *again)
}

func TestOrderProjectionStore_SwappedShadowCannotBeReused(t *testing.T) {
	store := inmemory.NewOrderProjectionStore()
	ctx := context.Background()
	shadow, err := store.NewShadow(ctx)
	require.NoError(t, err)
	require.NoError(t, shadow.Swap(ctx, 0))

	err = shadow.Swap(ctx, 0)

	require.Error(t, err)
	assert.Zero(t, store.Len())
}
