package server

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojp-io/ojp/breaker"
	"github.com/ojp-io/ojp/session"
	"github.com/ojp-io/ojp/wire"
)

// staticDriver serves a fixed three-row result for every query, enough to
// drive the executeQuery/fetchNextRows cursor without a backend.
type staticDriver struct{}

func (staticDriver) Open(name string) (driver.Conn, error) { return &staticConn{}, nil }

type staticConn struct{}

func (c *staticConn) Prepare(query string) (driver.Stmt, error) { return &staticStmt{}, nil }
func (c *staticConn) Close() error                              { return nil }
func (c *staticConn) Begin() (driver.Tx, error)                 { return nil, driver.ErrSkip }

type staticStmt struct{}

func (s *staticStmt) Close() error  { return nil }
func (s *staticStmt) NumInput() int { return -1 }
func (s *staticStmt) Exec(args []driver.Value) (driver.Result, error) {
	return driver.RowsAffected(1), nil
}
func (s *staticStmt) Query(args []driver.Value) (driver.Rows, error) {
	return &staticRows{}, nil
}

type staticRows struct{ pos int }

var staticData = [][]driver.Value{
	{int64(1), "alpha"},
	{int64(2), "beta"},
	{int64(3), "gamma"},
}

func (r *staticRows) Columns() []string { return []string{"id", "name"} }
func (r *staticRows) Close() error      { return nil }
func (r *staticRows) Next(dest []driver.Value) error {
	if r.pos >= len(staticData) {
		return io.EOF
	}
	copy(dest, staticData[r.pos])
	r.pos++
	return nil
}

func init() {
	sql.Register("ojpstatic", staticDriver{})
}

func newStaticService(t *testing.T) (*StatementService, wire.SessionInfo) {
	t.Helper()

	db, err := sql.Open("ojpstatic", "static")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	datasources := NewDatasourceRegistry(time.Second, time.Minute)
	sessions := session.NewSessionManager(datasources)
	service := NewStatementService(sessions, datasources, breaker.NewStatementBreaker(breaker.DefaultConfig()))

	sess := sessions.CreateSession("client-1", "hash-static", conn)
	return service, wire.SessionInfo{ClientUUID: "client-1", SessionUUID: sess.SessionUUID, ConnHash: "hash-static"}
}

func TestExecuteQueryBoundedByMaxRowsLeavesCursorOpen(t *testing.T) {
	service, info := newStaticService(t)

	var results []wire.OpResult
	err := service.ExecuteQuery(context.Background(), wire.StatementRequest{
		Session: info,
		SQL:     "SELECT id, name FROM things",
		MaxRows: 2,
	}, func(res wire.OpResult) { results = append(results, res) })
	require.NoError(t, err)

	require.NotEmpty(t, results)
	assert.Equal(t, []string{"id", "name"}, results[0].Rows.Columns)
	assert.NotEmpty(t, results[0].ResultSetID)

	total := 0
	for _, res := range results {
		total += len(res.Rows.Rows)
	}
	assert.Equal(t, 2, total, "executeQuery must stop at MaxRows")
	assert.True(t, results[len(results)-1].Final)

	var fetched []wire.OpResult
	err = service.FetchNextRows(context.Background(), wire.ResultSetFetchRequest{
		Session:     info,
		ResultSetID: results[0].ResultSetID,
		FetchSize:   10,
	}, func(res wire.OpResult) { fetched = append(fetched, res) })
	require.NoError(t, err)

	total = 0
	for _, res := range fetched {
		require.Nil(t, res.Error)
		total += len(res.Rows.Rows)
	}
	assert.Equal(t, 1, total, "fetchNextRows must continue where executeQuery stopped")
	assert.True(t, fetched[len(fetched)-1].Final)
	assert.Nil(t, fetched[0].Rows.Columns, "columns are described once, in the first block of the stream")
}

func TestFetchNextRowsOnExhaustedCursorReturnsEmptyFinalBlock(t *testing.T) {
	service, info := newStaticService(t)

	var results []wire.OpResult
	err := service.ExecuteQuery(context.Background(), wire.StatementRequest{
		Session: info,
		SQL:     "SELECT id, name FROM things",
	}, func(res wire.OpResult) { results = append(results, res) })
	require.NoError(t, err)

	var fetched []wire.OpResult
	err = service.FetchNextRows(context.Background(), wire.ResultSetFetchRequest{
		Session:     info,
		ResultSetID: results[0].ResultSetID,
		FetchSize:   10,
	}, func(res wire.OpResult) { fetched = append(fetched, res) })
	require.NoError(t, err)

	require.Len(t, fetched, 1)
	assert.Empty(t, fetched[0].Rows.Rows)
	assert.True(t, fetched[0].Final)
}

func TestFetchNextRowsUnknownResultSetFails(t *testing.T) {
	service, info := newStaticService(t)

	var fetched []wire.OpResult
	err := service.FetchNextRows(context.Background(), wire.ResultSetFetchRequest{
		Session:     info,
		ResultSetID: "nope",
	}, func(res wire.OpResult) { fetched = append(fetched, res) })
	require.Error(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, "ProtocolError", fetched[0].Error.Kind)
}
