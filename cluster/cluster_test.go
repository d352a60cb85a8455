package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealthTrackerChangeDetection(t *testing.T) {
	tr := NewHealthTracker()

	assert.True(t, tr.Changed("h1", "a:up,b:up"), "first observation always reports changed")
	assert.False(t, tr.Changed("h1", "a:up,b:up"), "identical value is a no-op")
	assert.True(t, tr.Changed("h1", "a:up,b:down"), "a differing value reports changed")
}

func TestHealthyPeerCount(t *testing.T) {
	assert.Equal(t, 2, HealthyPeerCount("a:up,b:up"))
	assert.Equal(t, 1, HealthyPeerCount("a:up,b:down"))
	assert.Equal(t, 1, HealthyPeerCount(""))
}

func TestPoolCoordinatorShrinkAppliesCeilDiv(t *testing.T) {
	c := NewPoolCoordinator()
	endpoints := []string{"node-a", "node-b", "node-c"}

	sizes := c.CalculatePoolSizes("hash-1", 20, 5, 3, endpoints)
	assert.Equal(t, 7, sizes.MaxPoolSize) // ceil(20/3) = 7
	assert.Equal(t, 2, sizes.MinIdle)     // ceil(5/3) = 2

	// peers shrink from 3 healthy to 2
	updated, endpointsChanged, found := c.UpdateHealthyServers("hash-1", 2, endpoints)
	assert.True(t, found)
	assert.False(t, endpointsChanged, "same endpoint set, only health changed")
	assert.Equal(t, 10, updated.MaxPoolSize) // ceil(20/2) = 10
}

func TestPoolCoordinatorFloorsAtOne(t *testing.T) {
	c := NewPoolCoordinator()
	sizes := c.CalculatePoolSizes("hash-2", 1, 1, 10, nil)
	assert.Equal(t, 1, sizes.MaxPoolSize)
	assert.Equal(t, 1, sizes.MinIdle)
}

func TestPoolCoordinatorDetectsEndpointSetChange(t *testing.T) {
	c := NewPoolCoordinator()
	c.CalculatePoolSizes("hash-3", 20, 5, 2, []string{"node-a", "node-b"})

	_, endpointsChanged, found := c.UpdateHealthyServers("hash-3", 2, []string{"node-a", "node-c"})
	assert.True(t, found)
	assert.True(t, endpointsChanged, "endpoint membership changed, must signal recreate")
}

func TestXaCoordinatorCeilDiv(t *testing.T) {
	c := NewXaCoordinator()
	max := c.CalculateXaLimits("hash-4", 22, 4, []string{"a", "b", "c", "d"})
	assert.Equal(t, 6, max) // ceil(22/4) = 6
}
