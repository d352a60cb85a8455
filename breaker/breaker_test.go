package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatementBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 2
	cfg.OpenTimeout = 20 * time.Millisecond
	b := NewStatementBreaker(cfg)

	backendErr := errors.New("backend exploded")
	failing := func() (any, error) { return nil, backendErr }

	_, err := b.Execute("SELECT 1", failing)
	require.Equal(t, backendErr, err)
	_, err = b.Execute("SELECT 1", failing)
	require.Equal(t, backendErr, err)

	_, err = b.Execute("SELECT 1", failing)
	assert.ErrorIs(t, err, ErrOpen, "second failure tripped the breaker; third call is refused before fn runs")
}

func TestStatementBreakerClosesAfterCooldownOnSuccess(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 1
	cfg.OpenTimeout = 10 * time.Millisecond
	b := NewStatementBreaker(cfg)

	backendErr := errors.New("backend exploded")
	_, err := b.Execute("SELECT 1", func() (any, error) { return nil, backendErr })
	require.Equal(t, backendErr, err)

	_, err = b.Execute("SELECT 1", func() (any, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrOpen, "still open before the cooldown elapses")

	time.Sleep(20 * time.Millisecond)

	result, err := b.Execute("SELECT 1", func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestStatementBreakersAreIndependentPerStatement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFailures = 1
	b := NewStatementBreaker(cfg)

	backendErr := errors.New("boom")
	b.Execute("SELECT a", func() (any, error) { return nil, backendErr })
	b.Execute("SELECT a", func() (any, error) { return nil, backendErr })

	result, err := b.Execute("SELECT b", func() (any, error) { return "fine", nil })
	require.NoError(t, err)
	assert.Equal(t, "fine", result)
}
