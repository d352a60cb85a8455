package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/wire"
	"github.com/ojp-io/ojp/xidkey"
)

// XA flag constants mirrored from javax.transaction.xa.XAResource, the
// values xaStart/xaEnd carry verbatim over the wire.
const (
	TMNOFLAGS = 0
	TMJOIN    = 1 << 21
	TMRESUME  = 1 << 27
	TMSUCCESS = 1 << 26
	TMFAIL    = 1 << 29
)

// XAResource is the client-side handle for the xaStart/xaEnd/xaPrepare/
// xaCommit/xaRollback/xaRecover operation family, exposed separately from
// the database/sql driver.Tx interface since database/sql has no XA
// concept of its own. An external transaction manager drives 2PC through
// this type directly; OJP itself is a resource-manager adapter, not a
// transaction coordinator.
type XAResource struct {
	conn      *Conn
	transport *Transport
}

// XAResourceFor obtains the XAResource bound to one underlying XA
// session, pinned by sql.Conn exactly as an XA backend connection must be
// pinned for the lifetime of a branch. Callers must Close the returned *sql.Conn when done with
// the branch; closing it terminates the underlying OJP session.
func XAResourceFor(dbConn *sql.Conn) (*XAResource, error) {
	var xar *XAResource
	err := dbConn.Raw(func(raw any) error {
		c, ok := raw.(*Conn)
		if !ok {
			return errors.New("ojp: connection was not opened with an ojp XA DSN")
		}
		if !c.cfg.IsXA {
			return errors.New("ojp: connection is not an XA session (isXA=true required in DSN)")
		}
		xar = &XAResource{conn: c, transport: c.transport}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return xar, nil
}

func (x *XAResource) endpoint() string { return x.conn.currentEndpoint() }

// Start implements xaStart.
func (x *XAResource) Start(ctx context.Context, xid xidkey.Xid, flags int32) error {
	req := wire.XARequest{Session: x.conn.session, Xid: wire.FromXidKeyXid(xid), Flags: flags}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaStart", req)
	return xaErr(res, err)
}

// End implements xaEnd.
func (x *XAResource) End(ctx context.Context, xid xidkey.Xid, flags int32) error {
	req := wire.XARequest{Session: x.conn.session, Xid: wire.FromXidKeyXid(xid), Flags: flags}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaEnd", req)
	return xaErr(res, err)
}

// Prepare implements xaPrepare, returning errs.XA_OK or
// errs.XA_RDONLY on success.
func (x *XAResource) Prepare(ctx context.Context, xid xidkey.Xid) (int, error) {
	req := wire.XARequest{Session: x.conn.session, Xid: wire.FromXidKeyXid(xid)}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaPrepare", req)
	if err != nil {
		return 0, err
	}
	var xr wire.XAResult
	if perr := unwrapXAResult(res, &xr); perr != nil {
		return 0, perr
	}
	return xr.ReturnCode, nil
}

// Commit implements xaCommit.
func (x *XAResource) Commit(ctx context.Context, xid xidkey.Xid, onePhase bool) error {
	req := wire.XARequest{Session: x.conn.session, Xid: wire.FromXidKeyXid(xid), OnePhase: onePhase}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaCommit", req)
	return xaErr(res, err)
}

// Rollback implements xaRollback.
func (x *XAResource) Rollback(ctx context.Context, xid xidkey.Xid) error {
	req := wire.XARequest{Session: x.conn.session, Xid: wire.FromXidKeyXid(xid)}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaRollback", req)
	return xaErr(res, err)
}

// Recover implements xaRecover.
func (x *XAResource) Recover(ctx context.Context, flags int32) ([]xidkey.Xid, error) {
	req := wire.XARecoverRequest{Session: x.conn.session, Flags: flags}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaRecover", req)
	if err != nil {
		return nil, err
	}
	var xr wire.XAResult
	if rerr := unwrapXAResult(res, &xr); rerr != nil {
		return nil, rerr
	}
	out := make([]xidkey.Xid, len(xr.Xids))
	for i, wx := range xr.Xids {
		out[i] = wx.ToXidKeyXid()
	}
	return out, nil
}

// SetTransactionTimeout implements xaSetTransactionTimeout.
func (x *XAResource) SetTransactionTimeout(ctx context.Context, seconds int) error {
	req := wire.XATimeoutRequest{Session: x.conn.session, Seconds: seconds}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaSetTransactionTimeout", req)
	return xaErr(res, err)
}

// GetTransactionTimeout implements xaGetTransactionTimeout.
func (x *XAResource) GetTransactionTimeout(ctx context.Context) (int, error) {
	req := wire.XATimeoutRequest{Session: x.conn.session}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaGetTransactionTimeout", req)
	if err != nil {
		return 0, err
	}
	var tr wire.XATimeoutResult
	if terr := unwrapXAResult(res, &tr); terr != nil {
		return 0, terr
	}
	return tr.Seconds, nil
}

// IsSameRM implements xaIsSameRM against another XAResource.
func (x *XAResource) IsSameRM(ctx context.Context, other *XAResource) (bool, error) {
	req := wire.XAIsSameRMRequest{SessionA: x.conn.session, SessionB: other.conn.session}
	res, err := x.transport.Call(ctx, x.endpoint(), "xaIsSameRM", req)
	if err != nil {
		return false, err
	}
	var sr wire.XAIsSameRMResult
	if serr := unwrapXAResult(res, &sr); serr != nil {
		return false, serr
	}
	return sr.Same, nil
}

func xaErr(res wire.OpResult, err error) error {
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &wireError{res.Error}
	}
	return nil
}

// unwrapXAResult decodes the single-row JSON envelope server.wrapXAResult
// uses to carry a typed XA response back inside the generic OpResult.
func unwrapXAResult(res wire.OpResult, dst any) error {
	if res.Error != nil {
		return &wireError{res.Error}
	}
	if res.Rows == nil || len(res.Rows.Rows) == 0 || len(res.Rows.Rows[0]) == 0 {
		return errs.Protocol("ojp client: malformed XA response")
	}
	s, ok := res.Rows.Rows[0][0].(string)
	if !ok {
		return errs.Protocol("ojp client: malformed XA response payload")
	}
	return json.Unmarshal([]byte(s), dst)
}
