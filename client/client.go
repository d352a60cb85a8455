package client

import (
	"context"
	"database/sql"
	"fmt"
)

// OJPClient wraps a standard database/sql.DB opened against the "ojp"
// driver with the cluster-aware operations database/sql has no vocabulary
// for (cluster health, XA resource access).
type OJPClient struct {
	db *sql.DB
}

// Open creates a new OJPClient wrapping a database/sql.DB connection
// opened with the given DSN (see dsn.go for the format).
func Open(dsn string) (*OJPClient, error) {
	db, err := sql.Open("ojp", dsn)
	if err != nil {
		return nil, fmt.Errorf("ojp: open failed: %w", err)
	}
	return &OJPClient{db: db}, nil
}

// DB returns the underlying sql.DB for direct use of the standard
// database/sql API.
func (c *OJPClient) DB() *sql.DB { return c.db }

// Close closes the underlying database/sql.DB, which in turn closes every
// pooled Conn (terminating its server-side session).
func (c *OJPClient) Close() error { return c.db.Close() }

// Ping verifies at least one pooled connection is reachable.
func (c *OJPClient) Ping() error { return c.db.Ping() }

// Query executes a query with parameter binding.
func (c *OJPClient) Query(query string, args ...any) (*sql.Rows, error) {
	return c.db.Query(query, args...)
}

// QueryRow executes a query expected to return at most one row.
func (c *OJPClient) QueryRow(query string, args ...any) *sql.Row {
	return c.db.QueryRow(query, args...)
}

// Exec executes a statement that returns no rows.
func (c *OJPClient) Exec(query string, args ...any) (sql.Result, error) {
	return c.db.Exec(query, args...)
}

// Begin starts a non-XA transaction.
func (c *OJPClient) Begin() (*sql.Tx, error) { return c.db.Begin() }

// Prepare creates a prepared statement.
func (c *OJPClient) Prepare(query string) (*sql.Stmt, error) { return c.db.Prepare(query) }

// XAResource pins one pooled Conn and returns the XAResource bound to
// it, keeping the backend session allocated for the branch's lifetime.
// The returned *sql.Conn must be closed once the branch is done with it;
// closing it terminates the underlying OJP session.
func (c *OJPClient) XAResource(ctx context.Context) (*XAResource, *sql.Conn, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, nil, err
	}
	xar, err := XAResourceFor(conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return xar, conn, nil
}
