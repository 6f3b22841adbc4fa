package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/orderledger/internal/domain/event"
)

// AssertEventTypes checks the event types of a stream in order.
func AssertEventTypes(t *testing.T, events []event.StoredEvent, expected ...string) {
	t.Helper()

	got := make([]string, len(events))
	for i, evt := range events {
		got[i] = evt.EventType
	}
	require.Equal(t, expected, got)
}

// AssertStreamVersions checks that a single aggregate's stream carries
// versions 1..n without gaps and strictly increasing global offsets.
func AssertStreamVersions(t *testing.T, events []event.StoredEvent) {
	t.Helper()

	var lastOffset int64
	for i, evt := range events {
		require.Equal(t, i+1, evt.Version, "event %d of %s", i, evt.AggregateID)
		require.Greater(t, evt.GlobalOffset, lastOffset, "offsets must increase")
		lastOffset = evt.GlobalOffset
	}
}

// AssertGaplessOffsets checks that the global log reads 1..n with no holes.
func AssertGaplessOffsets(t *testing.T, events []event.StoredEvent) {
	t.Helper()

	for i, evt := range events {
		require.Equal(t, int64(i+1), evt.GlobalOffset)
	}
}

// AssertMetadata checks who caused an event and which request it belongs to.
func AssertMetadata(t *testing.T, evt event.StoredEvent, userID, correlationID string) {
	t.Helper()

	assert.Equal(t, userID, evt.Metadata.UserID)
	assert.Equal(t, correlationID, evt.Metadata.CorrelationID)
}

// AssertTimeApproximatelyEqual checks that two times are within delta.
func AssertTimeApproximatelyEqual(t *testing.T, expected, actual time.Time, delta time.Duration, msgAndArgs ...any) {
	t.Helper()

	diff := expected.Sub(actual)
	if diff < 0 {
		diff = -diff
	}

	assert.LessOrEqual(t, diff, delta, append([]any{
		"expected time %v to be within %v of %v, but difference was %v",
		actual, delta, expected, diff,
	}, msgAndArgs...)...)
}
