package client

import (
	"context"
	"database/sql/driver"
	"errors"
	"log"
	"sync/atomic"

	"github.com/ojp-io/ojp/wire"
)

// Conn implements database/sql/driver.Conn (plus the context-aware and
// validator extension interfaces) over one OJP session. Every RPC routes
// through the MultinodeConnectionManager and carries the session's
// wire.SessionInfo, updated from each reply.
type Conn struct {
	cfg       *DSNConfig
	transport *Transport
	mgr       *MultinodeConnectionManager
	details   func() wire.ConnectionDetails

	endpoint string
	session  wire.SessionInfo
	closed   bool
}

// nonXARoundRobin is shared by every Conn, since each Conn owns its own
// MultinodeConnectionManager and so its own round-robin counter.
var nonXARoundRobin uint64

// connect performs the connect RPC and records the returned SessionInfo
// and the endpoint it was served from. Routing picks one endpoint up
// front (load-aware for XA so the session sticks; round-robin over
// unified targets for non-XA so sql.DB's pool of Conns spreads across
// the cluster) and every later RPC targets the same endpoint (XA
// sessions resolve it through EndpointFor).
func (c *Conn) connect(ctx context.Context) error {
	var endpoint string
	var ok bool
	if c.cfg.IsXA {
		endpoint, ok = c.mgr.SelectForXA()
	} else {
		targets := c.mgr.UnifiedTargets()
		if len(targets) > 0 {
			idx := atomic.AddUint64(&nonXARoundRobin, 1) - 1
			endpoint, ok = targets[int(idx%uint64(len(targets)))], true
		}
	}
	if !ok {
		return errors.New("ojp: no healthy endpoints available")
	}

	req := struct {
		Session wire.SessionInfo       `json:"session"`
		Details wire.ConnectionDetails `json:"details"`
	}{
		Session: wire.SessionInfo{IsXA: c.cfg.IsXA, ClusterHealth: c.mgr.ClusterHealth()},
		Details: c.buildDetails(),
	}

	res, err := c.transport.Call(ctx, endpoint, "connect", req)
	if err != nil {
		c.mgr.MarkFailed(endpoint)
		return err
	}
	if res.Error != nil {
		return &wireError{res.Error}
	}

	c.endpoint = endpoint
	c.session = res.Session
	if c.cfg.IsXA {
		c.mgr.BindSession(c.session.SessionUUID, endpoint)
	}
	c.logf("connected, session=%s endpoint=%s", c.session.SessionUUID, endpoint)
	return nil
}

func (c *Conn) buildDetails() wire.ConnectionDetails {
	d := c.details()
	d.IsXA = c.cfg.IsXA
	d.ServerEndpoints = c.mgr.Endpoints()
	d.ClusterHealth = c.mgr.ClusterHealth()
	return d
}

// currentEndpoint resolves the sticky endpoint for this Conn's session,
// re-running routing if the original endpoint went unhealthy out from
// under it.
func (c *Conn) currentEndpoint() string {
	if c.cfg.IsXA {
		if ep, ok := c.mgr.EndpointFor(c.session.SessionUUID); ok {
			return ep
		}
	}
	return c.endpoint
}

// Prepare implements driver.Conn.
func (c *Conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

// PrepareContext implements driver.ConnPrepareContext.
func (c *Conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	if c.closed {
		return nil, errors.New("ojp: connection is closed")
	}
	return &Stmt{conn: c, query: query, numInput: countPlaceholders(query)}, nil
}

// Close implements driver.Conn: terminates the server-side session and
// unbinds any XA stickiness.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	_, err := c.transport.Call(ctx, c.currentEndpoint(), "terminateSession", c.session)

	if c.cfg.IsXA {
		c.mgr.Sessions().Unbind(c.session.SessionUUID)
	}
	return err
}

// Begin implements driver.Conn via the non-XA startTransaction RPC.
func (c *Conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// BeginTx implements driver.ConnBeginTx.
func (c *Conn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	updated, err := c.transport.Call(ctx, c.currentEndpoint(), "startTransaction", c.session)
	if err != nil {
		return nil, err
	}
	if updated.Error != nil {
		return nil, &wireError{updated.Error}
	}
	c.session = updated.Session
	return &Tx{conn: c}, nil
}

// QueryContext implements driver.QueryerContext, issuing executeQuery and
// streaming OpResult blocks into a Rows.
func (c *Conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	return c.query(ctx, query, args)
}

// ExecContext implements driver.ExecerContext via executeUpdate.
func (c *Conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	return c.exec(ctx, query, args)
}

func (c *Conn) query(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	req := wire.StatementRequest{Session: c.session, SQL: query, Params: namedValuesToParams(args)}

	rows := &Rows{}
	endpoint := c.currentEndpoint()
	err := c.transport.CallStream(ctx, endpoint, "executeQuery", req, func(res wire.OpResult) bool {
		if res.Error != nil {
			rows.err = &wireError{res.Error}
			return true
		}
		c.session = res.Session
		if res.Rows != nil {
			if res.Rows.Columns != nil {
				rows.columns = res.Rows.Columns
			}
			rows.blocks = append(rows.blocks, res.Rows.Rows...)
		}
		return true
	})
	if err != nil {
		c.mgr.MarkFailed(endpoint)
		return nil, err
	}
	if rows.err != nil {
		return nil, rows.err
	}
	return rows, nil
}

func (c *Conn) exec(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	req := wire.StatementRequest{Session: c.session, SQL: query, Params: namedValuesToParams(args)}

	endpoint := c.currentEndpoint()
	res, err := c.transport.Call(ctx, endpoint, "executeUpdate", req)
	if err != nil {
		c.mgr.MarkFailed(endpoint)
		return nil, err
	}
	if res.Error != nil {
		return nil, &wireError{res.Error}
	}
	c.session = res.Session

	var lastID int64
	if id, ok := res.GeneratedKey.(float64); ok {
		lastID = int64(id)
	}
	return &execResult{affected: res.AffectedRows, lastInsertID: lastID}, nil
}

// CheckNamedValue implements driver.NamedValueChecker, letting *LobRef
// parameters through the default converter so a previously uploaded LOB
// can be bound by reference (see WriteLob).
func (c *Conn) CheckNamedValue(nv *driver.NamedValue) error {
	if _, ok := nv.Value.(*LobRef); ok {
		return nil
	}
	var err error
	nv.Value, err = driver.DefaultParameterConverter.ConvertValue(nv.Value)
	return err
}

// IsValid implements database/sql/driver.Validator: reports false when a
// balanced closure plan has marked this Conn's endpoint for cooperative
// shedding, prompting sql.DB to close and replace it.
func (c *Conn) IsValid() bool {
	return !c.mgr.ShouldShed(c.currentEndpoint())
}

func (c *Conn) logf(format string, args ...interface{}) {
	if c.cfg.Debug {
		log.Printf("[client] "+format, args...)
	}
}

func namedValuesToParams(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if ref, ok := a.Value.(*LobRef); ok {
			out[i] = map[string]any{"lobId": ref.LobID, "kind": ref.Kind, "length": ref.Length}
			continue
		}
		out[i] = a.Value
	}
	return out
}

// execResult implements driver.Result.
type execResult struct {
	affected     int64
	lastInsertID int64
}

func (r *execResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r *execResult) RowsAffected() (int64, error) { return r.affected, nil }
