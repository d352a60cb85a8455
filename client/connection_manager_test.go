package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, endpoints []string, routing RoutingConfig) *MultinodeConnectionManager {
	t.Helper()
	transport := NewTransport("ojp", DefaultReconnectConfig())
	return NewMultinodeConnectionManager(endpoints, transport, routing, DefaultHealthCheckConfig(), nil)
}

func TestSelectForXALoadAware(t *testing.T) {
	routing := DefaultRoutingConfig()
	m := newTestManager(t, []string{"a", "b"}, routing)

	m.BindSession("s1", "a")
	m.BindSession("s2", "a")

	ep, ok := m.SelectForXA()
	require.True(t, ok)
	assert.Equal(t, "b", ep, "fewest-sessions endpoint wins")
}

func TestSelectForXARoundRobinWhenLoadAwareDisabled(t *testing.T) {
	routing := DefaultRoutingConfig()
	routing.LoadAwareSelectionEnabled = false
	m := newTestManager(t, []string{"a", "b"}, routing)

	first, _ := m.SelectForXA()
	second, _ := m.SelectForXA()
	assert.NotEqual(t, first, second, "round-robin alternates")
}

func TestSelectForXANoHealthyEndpoints(t *testing.T) {
	m := newTestManager(t, []string{"a"}, DefaultRoutingConfig())
	m.MarkFailed("a")

	_, ok := m.SelectForXA()
	assert.False(t, ok)
}

func TestUnifiedTargetsReturnsAllHealthyWhenEnabled(t *testing.T) {
	routing := DefaultRoutingConfig()
	m := newTestManager(t, []string{"a", "b", "c"}, routing)
	m.MarkFailed("c")

	assert.ElementsMatch(t, []string{"a", "b"}, m.UnifiedTargets())
}

func TestUnifiedTargetsFallsBackToSingleWhenDisabled(t *testing.T) {
	routing := DefaultRoutingConfig()
	routing.UnifiedConnectionEnabled = false
	m := newTestManager(t, []string{"a", "b"}, routing)

	targets := m.UnifiedTargets()
	assert.Len(t, targets, 1)
}

func TestEndpointForFallsBackWhenStickyEndpointUnhealthy(t *testing.T) {
	m := newTestManager(t, []string{"a", "b"}, DefaultRoutingConfig())
	m.BindSession("s1", "a")
	m.MarkFailed("a")

	ep, ok := m.EndpointFor("s1")
	require.True(t, ok)
	assert.Equal(t, "b", ep)
}

func TestShouldShedReflectsRegistry(t *testing.T) {
	m := newTestManager(t, []string{"a"}, DefaultRoutingConfig())
	assert.False(t, m.ShouldShed("a"))
}

func TestMarkFailedMarksEndpointUnhealthy(t *testing.T) {
	m := newTestManager(t, []string{"a", "b"}, DefaultRoutingConfig())
	m.MarkFailed("a")
	assert.False(t, m.registry.IsHealthy("a"))
	m.MarkFailed("a") // second call on an already-unhealthy endpoint is a no-op
	assert.False(t, m.registry.IsHealthy("a"))
}

func TestProbeAndRecoverUnbindsAndSheds(t *testing.T) {
	routing := DefaultRoutingConfig()
	m := newTestManager(t, []string{"a", "b"}, routing)
	m.validate = func(context.Context, string, time.Duration) error { return nil }

	m.BindSession("s1", "a")
	m.BindSession("s2", "b")
	m.BindSession("s3", "b")
	m.BindSession("s4", "b")
	m.MarkFailed("a")

	m.probeAndRecover(context.Background(), "a")

	assert.True(t, m.registry.IsHealthy("a"))
	_, ok := m.sessions.Lookup("s1")
	assert.False(t, ok, "sessions bound to the recovering endpoint are dropped")
	assert.True(t, m.ShouldShed("b"), "overloaded peer sheds a connection toward the recovered endpoint")
}
