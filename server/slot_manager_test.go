package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotManagerDisabledIsPassThrough(t *testing.T) {
	m := NewSlotManager(SlotManagerConfig{Enabled: false})

	class, ok := m.Acquire("SELECT 1")
	require.True(t, ok)
	assert.Equal(t, slotFast, class)
	m.Release("SELECT 1", class, time.Hour)
	assert.Equal(t, slotFast, m.ClassOf("SELECT 1"))
}

func TestSlotManagerReclassifiesAfterSlowExecution(t *testing.T) {
	m := NewSlotManager(SlotManagerConfig{
		Enabled:            true,
		SlowQueryThreshold: 100 * time.Millisecond,
		SlowSlotFraction:   0.5,
		TotalSlots:         4,
	})

	class, ok := m.Acquire("SELECT * FROM big_report")
	require.True(t, ok)
	assert.Equal(t, slotFast, class)
	m.Release("SELECT * FROM big_report", class, 500*time.Millisecond)

	assert.Equal(t, slotSlow, m.ClassOf("select * from big_report"))
}

func TestSlotManagerRefusesSlowAcquireWhenBudgetExhausted(t *testing.T) {
	m := NewSlotManager(SlotManagerConfig{
		Enabled:            true,
		SlowQueryThreshold: time.Millisecond,
		SlowSlotFraction:   0.5,
		TotalSlots:         2,
	})

	m.Release("SELECT slow", slotFast, time.Second)

	class, ok := m.Acquire("SELECT slow")
	require.True(t, ok)
	require.Equal(t, slotSlow, class)

	_, ok = m.Acquire("SELECT slow")
	assert.False(t, ok)
}
