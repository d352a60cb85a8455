package connhash

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeIsDeterministic(t *testing.T) {
	cfg := DefaultConfiguration(false)
	a := Compute("mysql://HOST:3306/db?useSSL=true", "alice", "secret", cfg)
	b := Compute("mysql://host:3306/db?usessl=true", "alice", "secret", cfg)

	assert.Equal(t, a, b, "equivalent URLs differing only in case must hash identically")
}

func TestComputeDiffersOnRelevantFields(t *testing.T) {
	cfg := DefaultConfiguration(false)
	a := Compute("mysql://host:3306/db", "alice", "secret", cfg)
	b := Compute("mysql://host:3306/db", "bob", "secret", cfg)

	assert.NotEqual(t, a, b)
}

func TestResolveIsolationFallsBackOnInvalid(t *testing.T) {
	assert.Equal(t, IsolationReadCommitted, ResolveIsolation("NOT_A_REAL_LEVEL"))
	assert.Equal(t, IsolationSerializable, ResolveIsolation("serializable"))
	assert.Equal(t, IsolationReadCommitted, ResolveIsolation(""))
}

func TestDefaultConfigurationDiffersForXA(t *testing.T) {
	nonXA := DefaultConfiguration(false)
	xa := DefaultConfiguration(true)

	assert.Equal(t, 20, nonXA.MaxPoolSize)
	assert.Equal(t, 5, nonXA.MinIdle)
	assert.Equal(t, 22, xa.MaxPoolSize)
	assert.Equal(t, 20, xa.MinIdle)
}

func TestConfigCacheRoundTrip(t *testing.T) {
	c := NewConfigCache()
	cfg := DefaultConfiguration(true)

	_, ok := c.Get("h1")
	assert.False(t, ok)

	c.Put("h1", cfg)
	got, ok := c.Get("h1")
	assert.True(t, ok)
	assert.Equal(t, cfg, got)

	c.Delete("h1")
	_, ok = c.Get("h1")
	assert.False(t, ok)
}
