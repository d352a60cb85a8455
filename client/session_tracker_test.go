package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionTrackerBindLookupUnbind(t *testing.T) {
	tr := NewSessionTracker()

	_, ok := tr.Lookup("s1")
	assert.False(t, ok)

	tr.Bind("s1", "node-a")
	tr.Bind("s2", "node-a")
	tr.Bind("s3", "node-b")

	ep, ok := tr.Lookup("s1")
	assert.True(t, ok)
	assert.Equal(t, "node-a", ep)

	assert.Equal(t, 2, tr.SessionCount("node-a"))
	assert.Equal(t, 1, tr.SessionCount("node-b"))

	tr.Unbind("s1")
	_, ok = tr.Lookup("s1")
	assert.False(t, ok)
	assert.Equal(t, 1, tr.SessionCount("node-a"))
}

func TestSessionTrackerUnbindAll(t *testing.T) {
	tr := NewSessionTracker()
	tr.Bind("s1", "node-a")
	tr.Bind("s2", "node-a")
	tr.Bind("s3", "node-b")

	removed := tr.UnbindAll("node-a")
	assert.ElementsMatch(t, []string{"s1", "s2"}, removed)
	assert.Equal(t, 0, tr.SessionCount("node-a"))
	assert.Equal(t, 1, tr.SessionCount("node-b"))
}
