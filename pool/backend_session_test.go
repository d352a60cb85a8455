package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBackendSessionDualConditionRelease(t *testing.T) {
	bs := NewBackendSession("bs-1", nil, nil, nil)

	assert.True(t, bs.ReleasableToPool(), "a fresh session has no pins")

	bs.PinByTx()
	assert.False(t, bs.ReleasableToPool(), "pinned by tx only: not releasable")

	bs.PinBySession("session-a")
	assert.False(t, bs.ReleasableToPool(), "pinned by both: not releasable")

	noMoreTx := bs.UnpinByTx()
	assert.True(t, noMoreTx)
	assert.False(t, bs.ReleasableToPool(), "still pinned by session: not releasable")

	noMoreSession := bs.UnpinBySession("session-a")
	assert.True(t, noMoreSession)
	assert.True(t, bs.ReleasableToPool(), "both pins cleared: releasable")
}

func TestBackendSessionInvalidate(t *testing.T) {
	bs := NewBackendSession("bs-2", nil, nil, nil)
	assert.False(t, bs.IsInvalid())

	bs.Invalidate()
	assert.True(t, bs.IsInvalid())
}

func TestBackendSessionUnpinByTxNeverGoesNegative(t *testing.T) {
	bs := NewBackendSession("bs-3", nil, nil, nil)
	assert.True(t, bs.UnpinByTx(), "unpinning with no outstanding tx pin stays at zero, reports released")
}

func TestIsolationStatementMapsConfiguredLevels(t *testing.T) {
	assert.Equal(t, "SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED", IsolationStatement("READ_COMMITTED"))
	assert.Equal(t, "SET SESSION TRANSACTION ISOLATION LEVEL SERIALIZABLE", IsolationStatement("SERIALIZABLE"))
	assert.Empty(t, IsolationStatement("NONE"), "NONE leaves the backend default alone")
	assert.Empty(t, IsolationStatement(""))
}
