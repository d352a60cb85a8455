package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEndpointRegistryHealthTransitions(t *testing.T) {
	r := NewEndpointRegistry([]string{"a", "b"})
	assert.ElementsMatch(t, []string{"a", "b"}, r.Healthy())

	assert.True(t, r.MarkUnhealthy("a"))
	assert.False(t, r.MarkUnhealthy("a"), "already unhealthy is a no-op")
	assert.Equal(t, []string{"b"}, r.Healthy())
	assert.False(t, r.IsHealthy("a"))

	assert.True(t, r.MarkHealthy("a"))
	assert.False(t, r.MarkHealthy("a"), "already healthy is a no-op")
	assert.ElementsMatch(t, []string{"a", "b"}, r.Healthy())
}

func TestEndpointRegistryUnhealthyRespectsThreshold(t *testing.T) {
	r := NewEndpointRegistry([]string{"a"})
	r.MarkUnhealthy("a")
	assert.Empty(t, r.Unhealthy(time.Hour), "not unhealthy long enough yet")
	assert.Contains(t, r.Unhealthy(0), "a")
}

func TestEndpointRegistryClusterHealthString(t *testing.T) {
	r := NewEndpointRegistry([]string{"a", "b"})
	r.MarkUnhealthy("b")
	assert.Equal(t, "a:up,b:down", r.ClusterHealthString())
}

func TestEndpointRegistryShedding(t *testing.T) {
	r := NewEndpointRegistry([]string{"a"})
	assert.False(t, r.TakeShed("a"))

	r.MarkForShedding("a", 2)
	assert.True(t, r.TakeShed("a"))
	assert.True(t, r.TakeShed("a"))
	assert.False(t, r.TakeShed("a"), "counter exhausted")
}
