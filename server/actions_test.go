package server

import (
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"

	"github.com/ojp-io/ojp/breaker"
	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/wire"
)

func TestToSessionKeyCopiesIdentityFields(t *testing.T) {
	info := wire.SessionInfo{ClientUUID: "client-1", SessionUUID: "sess-1", ConnHash: "h"}
	key := toSessionKey(info)
	assert.Equal(t, "client-1", key.ClientUUID)
	assert.Equal(t, "sess-1", key.SessionUUID)
}

func TestMapBackendErrorPassesTypedErrorThrough(t *testing.T) {
	original := errs.XA(errs.XAER_PROTO, "bad state")
	assert.Same(t, original, mapBackendError(original))
}

func TestMapBackendErrorWrapsPlainErrorAsSQL(t *testing.T) {
	wrapped := mapBackendError(assertPlainError{})
	assert.True(t, errs.IsKind(wrapped, errs.KindSQL))
}

func TestMapBackendErrorPassesMySQLCodesVerbatim(t *testing.T) {
	src := &mysqldriver.MySQLError{Number: 1146, SQLState: [5]byte{'4', '2', 'S', '0', '2'}, Message: "table doesn't exist"}
	mapped := mapBackendError(src)

	assert.True(t, errs.IsKind(mapped, errs.KindSQL))
	e := mapped.(*errs.Error)
	assert.Equal(t, "42S02", e.SQLState)
	assert.Equal(t, 1146, e.VendorCode)
}

func TestMapBackendErrorClassifiesIntegrityViolationAsSQLData(t *testing.T) {
	src := &mysqldriver.MySQLError{Number: 1062, SQLState: [5]byte{'2', '3', '0', '0', '0'}, Message: "duplicate entry"}
	mapped := mapBackendError(src)

	assert.True(t, errs.IsKind(mapped, errs.KindSQLData))
}

func TestMapBackendErrorClassifiesOpenBreakerAsTransient(t *testing.T) {
	mapped := mapBackendError(breaker.ErrOpen)
	assert.True(t, errs.IsKind(mapped, errs.KindTransientInfra))
}

func TestErrResultCarriesErrorInfo(t *testing.T) {
	info := wire.SessionInfo{SessionUUID: "s1"}
	res := errResult(info, errs.Protocol("boom"))
	assert.True(t, res.Final)
	assert.Equal(t, "ProtocolError", res.Error.Kind)
	assert.Equal(t, "s1", res.Session.SessionUUID)
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "plain failure" }
