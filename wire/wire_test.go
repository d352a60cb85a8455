package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/xidkey"
)

func TestXidWireRoundTrip(t *testing.T) {
	orig := xidkey.New(7, []byte("gt"), []byte("bq"))

	w := FromXidKeyXid(orig.ToXid())
	back := w.ToXidKeyXid()

	assert.Equal(t, orig.ToXid(), back)
}

func TestFromErrorPreservesXACodeVerbatim(t *testing.T) {
	err := errs.XA(errs.XAER_PROTO, "bad state transition")
	info := FromError(err)

	assert.Equal(t, "XAError", info.Kind)
	assert.Equal(t, errs.XAER_PROTO, info.XACode)
}

func TestFromErrorPreservesSQLStateAndVendorCode(t *testing.T) {
	err := errs.SQL("23000", 1062, "duplicate key", nil)
	info := FromError(err)

	assert.Equal(t, "23000", info.SQLState)
	assert.Equal(t, 1062, info.VendorCode)
}

func TestFromErrorOnUntypedErrorFallsBackToInternal(t *testing.T) {
	info := FromError(assertError{})
	assert.Equal(t, "InternalError", info.Kind)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
