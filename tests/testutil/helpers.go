package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/event"
	orderdomain "github.com/lllypuk/orderledger/internal/domain/order"
)

const contextTimeout = 30 * time.Second

// NewTestContext creates a context with timeout for tests.
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), contextTimeout)
	t.Cleanup(cancel)
	return ctx
}

// AppendOrderEvents encodes events and appends them to the order's stream
// at its current version. It returns the new stream version.
func AppendOrderEvents(
	t *testing.T,
	store appcore.EventStore,
	orderID string,
	events ...orderdomain.Event,
) int {
	t.Helper()

	ctx := context.Background()
	version, err := store.Version(ctx, orderID)
	require.NoError(t, err)

	encoded, err := orderdomain.EncodeAll(events, event.Metadata{})
	require.NoError(t, err)

	newVersion, err := store.Append(ctx, orderID, encoded, version)
	require.NoError(t, err)
	return newVersion
}
