package xidkey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXidKeyValueEquality(t *testing.T) {
	a := New(1, []byte("gtrid-1"), []byte("bqual-1"))
	b := New(1, []byte("gtrid-1"), []byte("bqual-1"))
	c := New(1, []byte("gtrid-2"), []byte("bqual-1"))

	assert.True(t, a.Equal(b), "keys built from equal byte contents must be equal regardless of slice identity")
	assert.False(t, a.Equal(c))
	assert.Equal(t, a.String(), b.String(), "String() must be stable for equal keys, usable as a map key")
}

func TestXidKeyIdentityIndependence(t *testing.T) {
	gtrid := []byte("shared")
	a := New(7, gtrid, []byte("x"))
	gtrid[0] = 'S' // mutate after construction
	b := New(7, []byte("shared"), []byte("x"))

	assert.True(t, a.Equal(b), "mutating the caller's slice after New must not affect the key")
}

func TestXidKeyRoundTrip(t *testing.T) {
	orig := New(3, []byte("gt"), []byte("bq"))
	xid := orig.ToXid()
	rebuilt := FromXid(xid)

	require.True(t, orig.Equal(rebuilt), "FromXid(x.ToXid()) must equal x by value")
	assert.Equal(t, int32(3), rebuilt.FormatID())
	assert.Equal(t, []byte("gt"), rebuilt.GlobalTransactionID())
	assert.Equal(t, []byte("bq"), rebuilt.BranchQualifier())
}

func TestXidKeyAsMapKey(t *testing.T) {
	m := make(map[XidKey]string)
	k1 := New(1, []byte("g"), []byte("b"))
	k2 := New(1, []byte("g"), []byte("b"))

	m[k1] = "first"
	m[k2] = "second"

	assert.Len(t, m, 1, "value-equal XidKeys must collapse to one map entry")
	assert.Equal(t, "second", m[k1])
}
