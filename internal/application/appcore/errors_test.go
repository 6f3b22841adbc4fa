package appcore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/application/appcore"
	"github.com/lllypuk/orderledger/internal/domain/errs"
	"github.com/lllypuk/orderledger/internal/domain/event"
)

func TestConcurrencyConflictError_MatchesSentinel(t *testing.T) {
	// Arrange
	err := fmt.Errorf("append: %w", appcore.NewConcurrencyConflictError("order-1", 1, 2))

	// Act
	var conflict *appcore.ConcurrencyConflictError
	ok := errors.As(err, &conflict)

	// Assert
	require.True(t, ok)
	assert.ErrorIs(t, err, appcore.ErrConcurrencyConflict)
	assert.Equal(t, 2, conflict.ActualVersion)
	assert.Equal(t, 1, conflict.ExpectedVersion)
	assert.True(t, appcore.IsRetryable(err))
}

func TestNotFoundError_MatchesDomainSentinel(t *testing.T) {
	err := appcore.NewNotFoundError("order", "order-1")

	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, appcore.IsRetryable(err))
	assert.Contains(t, err.Error(), "order-1")
}

func TestValidateAppend(t *testing.T) {
	events := []event.NewEvent{{EventType: "order.created", SchemaVersion: 2, Payload: []byte(`{}`)}}

	assert.NoError(t, appcore.ValidateAppend("order-1", events, 0))
	assert.ErrorIs(t, appcore.ValidateAppend("order-1", nil, 0), appcore.ErrEmptyAppend)
	assert.ErrorIs(t, appcore.ValidateAppend("order-1", events, -1), appcore.ErrInvalidVersion)
	assert.ErrorIs(t, appcore.ValidateAppend("", events, 0), appcore.ErrInvalidVersion)
}

func TestContextValues(t *testing.T) {
	ctx := appcore.WithCorrelationID(appcore.WithUserID(context.Background(), "user-1"), "corr-1")

	assert.Equal(t, "user-1", appcore.GetUserID(ctx))
	assert.Equal(t, "corr-1", appcore.GetCorrelationID(ctx))
	assert.Empty(t, appcore.GetCorrelationID(context.Background()))
}
