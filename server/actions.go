package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/ojp-io/ojp/affinity"
	"github.com/ojp-io/ojp/breaker"
	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/pool"
	"github.com/ojp-io/ojp/session"
	"github.com/ojp-io/ojp/wire"
	"github.com/ojp-io/ojp/xa"
	"github.com/ojp-io/ojp/xidkey"
)

// StatementService implements the per-RPC operation set: one struct
// holding every shared dependency, one method per wire action, each
// following the same skeleton (resolve session, act, map errors);
// executeUpdate and executeQuery first process cluster health.
type StatementService struct {
	sessions    *session.SessionManager
	datasources *DatasourceRegistry
	breakers    *breaker.StatementBreaker
}

// NewStatementService wires the three collaborators every action needs.
func NewStatementService(sessions *session.SessionManager, datasources *DatasourceRegistry, breakers *breaker.StatementBreaker) *StatementService {
	return &StatementService{sessions: sessions, datasources: datasources, breakers: breakers}
}

func toSessionKey(info wire.SessionInfo) session.SessionInfo {
	return session.SessionInfo{ClientUUID: info.ClientUUID, SessionUUID: info.SessionUUID}
}

// Connect computes no ConnHash itself — the caller (the transport layer)
// is expected to have already resolved one onto info.ConnHash via
// connhash.Compute — and ensures the non-XA and/or XA backend exists for
// it, then mints a Session.
func (s *StatementService) Connect(ctx context.Context, info wire.SessionInfo, details wire.ConnectionDetails) (wire.SessionInfo, error) {
	s.sessions.RegisterClient(info.ClientUUID, info.ConnHash)

	if !details.IsXA {
		if _, err := s.datasources.EnsureNonXA(ctx, info.ConnHash, details); err != nil {
			return info, errs.SQL("", 0, err.Error(), err)
		}
		sess := s.sessions.CreateSession(info.ClientUUID, info.ConnHash, nil)
		info.SessionUUID = sess.SessionUUID
		info.IsXA = false
		return info, nil
	}

	ds, err := s.datasources.EnsureXA(ctx, info.ConnHash, details)
	if err != nil {
		return info, errs.SQL("", 0, err.Error(), err)
	}

	borrowed, err := ds.provider.BorrowSession(ctx, ds.handle)
	if err != nil {
		return info, errs.XA(errs.XAER_RMFAIL, "connect: no backend session available for XA datasource")
	}

	sess := s.sessions.CreateDeferredXASession(info.ClientUUID, info.ConnHash)
	sess.BindXAConnection(borrowed)
	ds.registry.RegisterSessionOwner(sess.SessionUUID, borrowed)

	info.SessionUUID = sess.SessionUUID
	info.IsXA = true
	return info, nil
}

// resolveConnForStatement returns a usable *sql.Conn for a non-XA
// statement, opening one lazily from the ConnHash's *sql.DB on first use
// and caching it on the Session for the rest of its lifetime.
func (s *StatementService) resolveConnForStatement(ctx context.Context, sess *session.Session) (*sql.Conn, error) {
	if conn := sess.Connection(); conn != nil {
		return conn, nil
	}
	if sess.IsXA {
		bs := sess.BackendSession()
		if bs == nil {
			return nil, errs.Protocol("session has no bound XA backend connection")
		}
		sess.SetConnection(bs.Logical.Conn)
		return bs.Logical.Conn, nil
	}

	s.datasources.mu.Lock()
	ds, ok := s.datasources.nonXA[sess.ConnHash]
	s.datasources.mu.Unlock()
	if !ok {
		return nil, errs.Configuration(fmt.Sprintf("no datasource registered for connHash %s", sess.ConnHash))
	}
	conn, err := ds.db.Conn(ctx)
	if err != nil {
		return nil, errs.TransientInfra(err.Error(), err)
	}
	if stmt := pool.IsolationStatement(string(ds.cfg.DefaultTransactionIsolation)); stmt != "" {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, mapBackendError(err)
		}
	}
	sess.SetConnection(conn)
	return conn, nil
}

// slotsFor resolves the slow-query slot manager backing a session's
// ConnHash, nil when the datasource has not been created yet (the caller
// then runs unsegregated rather than failing).
func (s *StatementService) slotsFor(sess *session.Session) *SlotManager {
	s.datasources.mu.Lock()
	defer s.datasources.mu.Unlock()
	if sess.IsXA {
		if ds, ok := s.datasources.xa[sess.ConnHash]; ok {
			return ds.slots
		}
		return nil
	}
	if ds, ok := s.datasources.nonXA[sess.ConnHash]; ok {
		return ds.slots
	}
	return nil
}

// acquireSlot reserves a segregation slot for sql, polling until one frees
// up or ctx expires; a fast statement never waits.
func acquireSlot(ctx context.Context, slots *SlotManager, sql string) (slotClass, error) {
	if slots == nil {
		return slotFast, nil
	}
	for {
		class, ok := slots.Acquire(sql)
		if ok {
			return class, nil
		}
		select {
		case <-ctx.Done():
			return class, errs.TransientInfra("slow-query slots exhausted", ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// recordAffinity flags the session when its SQL introduces server-local
// state; the session's lazily bound connection then stays pinned for its
// remaining lifetime.
func recordAffinity(sess *session.Session, sql string) {
	if affinity.Detect(sql) {
		sess.Registry.SetAttribute("sessionAffinity", affinity.DetectAffinityReason(sql))
	}
}

// ExecuteUpdate implements executeUpdate. It runs the statement
// through the circuit breaker keyed by its normalized text and reports
// affected rows and any generated key.
func (s *StatementService) ExecuteUpdate(ctx context.Context, req wire.StatementRequest) (wire.OpResult, error) {
	s.datasources.ProcessClusterHealth(ctx, req.Session)

	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return wire.OpResult{Session: req.Session, Final: true}, errs.Protocol("no such session")
	}
	sess.Touch()
	recordAffinity(sess, req.SQL)

	conn, err := s.resolveConnForStatement(ctx, sess)
	if err != nil {
		return errResult(req.Session, err), err
	}

	req.Params = resolveLobParams(sess, req.Params)

	slots := s.slotsFor(sess)
	class, err := acquireSlot(ctx, slots, req.SQL)
	if err != nil {
		return errResult(req.Session, err), err
	}
	started := time.Now()
	defer func() {
		if slots != nil {
			slots.Release(req.SQL, class, time.Since(started))
		}
	}()

	result, err := s.breakers.Execute(req.SQL, func() (any, error) {
		if tx := sess.Tx(); tx != nil {
			return tx.ExecContext(ctx, req.SQL, req.Params...)
		}
		return conn.ExecContext(ctx, req.SQL, req.Params...)
	})
	if err != nil {
		wrapped := mapBackendError(err)
		return errResult(req.Session, wrapped), wrapped
	}

	execResult := result.(sql.Result)
	affected, _ := execResult.RowsAffected()
	generated, _ := execResult.LastInsertId()

	return wire.OpResult{
		Session:      req.Session,
		AffectedRows: affected,
		GeneratedKey: generated,
		Final:        true,
	}, nil
}

// ExecuteQuery implements executeQuery: runs the query, then
// streams the result in row blocks via emit. The cursor over the backend
// rows is registered as a server-side result set; when MaxRows bounds the
// initial stream, fetchNextRows continues from where it stopped.
func (s *StatementService) ExecuteQuery(ctx context.Context, req wire.StatementRequest, emit func(wire.OpResult)) error {
	s.datasources.ProcessClusterHealth(ctx, req.Session)

	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return errs.Protocol("no such session")
	}
	sess.Touch()
	recordAffinity(sess, req.SQL)

	conn, err := s.resolveConnForStatement(ctx, sess)
	if err != nil {
		emit(errResult(req.Session, err))
		return err
	}

	req.Params = resolveLobParams(sess, req.Params)

	slots := s.slotsFor(sess)
	class, err := acquireSlot(ctx, slots, req.SQL)
	if err != nil {
		emit(errResult(req.Session, err))
		return err
	}
	started := time.Now()
	defer func() {
		if slots != nil {
			slots.Release(req.SQL, class, time.Since(started))
		}
	}()

	result, err := s.breakers.Execute(req.SQL, func() (any, error) {
		if tx := sess.Tx(); tx != nil {
			return tx.QueryContext(ctx, req.SQL, req.Params...)
		}
		return conn.QueryContext(ctx, req.SQL, req.Params...)
	})
	if err != nil {
		wrapped := mapBackendError(err)
		emit(errResult(req.Session, wrapped))
		return wrapped
	}

	rows := result.(*sql.Rows)
	cursor, err := newResultCursor(rows)
	if err != nil {
		rows.Close()
		wrapped := mapBackendError(err)
		emit(errResult(req.Session, wrapped))
		return wrapped
	}
	resultSetID := sess.Registry.RegisterResultSet(cursor)

	first := true
	streamErr := cursor.emitBlocks(sess.Registry, 0, req.MaxRows, func(res wire.OpResult) {
		res.Session = req.Session
		if first {
			res.ResultSetID = resultSetID
			first = false
		}
		emit(res)
	})
	if streamErr != nil {
		emit(errResult(req.Session, mapBackendError(streamErr)))
		return streamErr
	}
	return nil
}

// FetchNextRows implements fetchNextRows: it continues a result
// set ExecuteQuery left open (MaxRows bounded the initial stream) for
// another FetchSize rows, streamed in blocks like the original query.
func (s *StatementService) FetchNextRows(ctx context.Context, req wire.ResultSetFetchRequest, emit func(wire.OpResult)) error {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return errs.Protocol("no such session")
	}
	sess.Touch()

	obj, ok := sess.Registry.GetResultSet(req.ResultSetID)
	if !ok {
		err := errs.Protocol("no such result set")
		emit(errResult(req.Session, err))
		return err
	}
	cursor, ok := obj.(*resultCursor)
	if !ok {
		err := errs.Protocol("result set is not fetchable")
		emit(errResult(req.Session, err))
		return err
	}

	streamErr := cursor.emitBlocks(sess.Registry, 0, req.FetchSize, func(res wire.OpResult) {
		res.Session = req.Session
		emit(res)
	})
	if streamErr != nil {
		emit(errResult(req.Session, mapBackendError(streamErr)))
		return streamErr
	}
	return nil
}

// StartTransaction implements startTransaction for non-XA
// sessions.
func (s *StatementService) StartTransaction(ctx context.Context, info wire.SessionInfo) (wire.SessionInfo, error) {
	sess, ok := s.sessions.GetSession(toSessionKey(info))
	if !ok {
		return info, errs.Protocol("no such session")
	}
	conn, err := s.resolveConnForStatement(ctx, sess)
	if err != nil {
		return info, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return info, mapBackendError(err)
	}
	sess.SetTx(tx)
	info.TransactionInfo = wire.TransactionInfo{Status: wire.TrxActive}
	return info, nil
}

// CommitTransaction implements commitTransaction.
func (s *StatementService) CommitTransaction(ctx context.Context, info wire.SessionInfo) (wire.SessionInfo, error) {
	return s.endTransaction(info, func(tx *sql.Tx) error { return tx.Commit() })
}

// RollbackTransaction implements rollbackTransaction.
func (s *StatementService) RollbackTransaction(ctx context.Context, info wire.SessionInfo) (wire.SessionInfo, error) {
	return s.endTransaction(info, func(tx *sql.Tx) error { return tx.Rollback() })
}

func (s *StatementService) endTransaction(info wire.SessionInfo, fn func(*sql.Tx) error) (wire.SessionInfo, error) {
	sess, ok := s.sessions.GetSession(toSessionKey(info))
	if !ok {
		return info, errs.Protocol("no such session")
	}
	tx := sess.Tx()
	if tx == nil {
		return info, errs.Protocol("no open transaction")
	}
	if err := fn(tx); err != nil && err != sql.ErrTxDone {
		return info, mapBackendError(err)
	}
	sess.SetTx(nil)
	info.TransactionInfo = wire.TransactionInfo{Status: wire.TrxNone}
	return info, nil
}

// TerminateSession implements terminateSession.
func (s *StatementService) TerminateSession(ctx context.Context, info wire.SessionInfo) wire.SessionTerminationStatus {
	_, ok := s.sessions.GetSession(toSessionKey(info))
	s.sessions.TerminateSession(ctx, toSessionKey(info))
	return wire.SessionTerminationStatus{Found: ok}
}

func (s *StatementService) lookupXARegistry(connHash string) (*xa.TransactionRegistry, bool) {
	s.datasources.mu.Lock()
	defer s.datasources.mu.Unlock()
	ds, ok := s.datasources.xa[connHash]
	if !ok {
		return nil, false
	}
	return ds.registry, true
}

// XAStart implements xaStart.
func (s *StatementService) XAStart(ctx context.Context, req wire.XARequest) error {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return errs.Protocol("no such session")
	}
	registry, ok := s.lookupXARegistry(sess.ConnHash)
	if !ok {
		return errs.Configuration("no XA datasource registered for this session's connHash")
	}
	xid := xidkey.FromXid(req.Xid.ToXidKeyXid())
	return registry.XAStart(ctx, xid, req.Flags, sess.SessionUUID)
}

// XAEnd implements xaEnd.
func (s *StatementService) XAEnd(ctx context.Context, req wire.XARequest) error {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return errs.Protocol("no such session")
	}
	registry, ok := s.lookupXARegistry(sess.ConnHash)
	if !ok {
		return errs.Configuration("no XA datasource registered for this session's connHash")
	}
	xid := xidkey.FromXid(req.Xid.ToXidKeyXid())
	return registry.XAEnd(ctx, xid, req.Flags)
}

// XAPrepare implements xaPrepare.
func (s *StatementService) XAPrepare(ctx context.Context, req wire.XARequest) (wire.XAResult, error) {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return wire.XAResult{Session: req.Session}, errs.Protocol("no such session")
	}
	registry, ok := s.lookupXARegistry(sess.ConnHash)
	if !ok {
		return wire.XAResult{Session: req.Session}, errs.Configuration("no XA datasource registered for this session's connHash")
	}
	xid := xidkey.FromXid(req.Xid.ToXidKeyXid())
	rc, err := registry.XAPrepare(ctx, xid)
	if err != nil {
		return wire.XAResult{Session: req.Session, Error: wire.FromError(err)}, err
	}
	return wire.XAResult{Session: req.Session, ReturnCode: rc}, nil
}

// XACommit implements xaCommit.
func (s *StatementService) XACommit(ctx context.Context, req wire.XARequest) error {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return errs.Protocol("no such session")
	}
	registry, ok := s.lookupXARegistry(sess.ConnHash)
	if !ok {
		return errs.Configuration("no XA datasource registered for this session's connHash")
	}
	xid := xidkey.FromXid(req.Xid.ToXidKeyXid())
	return registry.XACommit(ctx, xid, req.OnePhase)
}

// XARollback implements xaRollback.
func (s *StatementService) XARollback(ctx context.Context, req wire.XARequest) error {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return errs.Protocol("no such session")
	}
	registry, ok := s.lookupXARegistry(sess.ConnHash)
	if !ok {
		return errs.Configuration("no XA datasource registered for this session's connHash")
	}
	xid := xidkey.FromXid(req.Xid.ToXidKeyXid())
	return registry.XARollback(ctx, xid)
}

// XARecover implements xaRecover.
func (s *StatementService) XARecover(ctx context.Context, req wire.XARecoverRequest) (wire.XAResult, error) {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		return wire.XAResult{Session: req.Session}, errs.Protocol("no such session")
	}
	registry, ok := s.lookupXARegistry(sess.ConnHash)
	if !ok {
		return wire.XAResult{Session: req.Session}, errs.Configuration("no XA datasource registered for this session's connHash")
	}
	xids, err := registry.XARecover(ctx, req.Flags)
	if err != nil {
		return wire.XAResult{Session: req.Session, Error: wire.FromError(err)}, err
	}
	wireXids := make([]wire.Xid, 0, len(xids))
	for _, x := range xids {
		wireXids = append(wireXids, wire.FromXidKeyXid(x))
	}
	return wire.XAResult{Session: req.Session, Xids: wireXids}, nil
}

// XASetTransactionTimeout implements xaSetTransactionTimeout.
func (s *StatementService) XASetTransactionTimeout(ctx context.Context, info wire.SessionInfo, seconds int) error {
	sess, ok := s.sessions.GetSession(toSessionKey(info))
	if !ok {
		return errs.Protocol("no such session")
	}
	bs := sess.BackendSession()
	if bs == nil {
		return errs.Protocol("session has no bound XA backend connection")
	}
	return bs.XARes.SetTransactionTimeout(seconds)
}

// XAGetTransactionTimeout implements xaGetTransactionTimeout.
func (s *StatementService) XAGetTransactionTimeout(ctx context.Context, info wire.SessionInfo) (int, error) {
	sess, ok := s.sessions.GetSession(toSessionKey(info))
	if !ok {
		return 0, errs.Protocol("no such session")
	}
	bs := sess.BackendSession()
	if bs == nil {
		return 0, errs.Protocol("session has no bound XA backend connection")
	}
	return bs.XARes.GetTransactionTimeout()
}

// XAIsSameRM implements xaIsSameRM: two sessions share a resource
// manager if their bound BackendSessions' XAResources report so.
func (s *StatementService) XAIsSameRM(ctx context.Context, infoA, infoB wire.SessionInfo) (bool, error) {
	a, ok := s.sessions.GetSession(toSessionKey(infoA))
	if !ok {
		return false, errs.Protocol("no such session")
	}
	b, ok := s.sessions.GetSession(toSessionKey(infoB))
	if !ok {
		return false, errs.Protocol("no such session")
	}
	bsA, bsB := a.BackendSession(), b.BackendSession()
	if bsA == nil || bsB == nil {
		return false, errs.Protocol("session has no bound XA backend connection")
	}
	return bsA.XARes.IsSameRM(bsB.XARes), nil
}

func errResult(info wire.SessionInfo, err error) wire.OpResult {
	return wire.OpResult{Session: info, Final: true, Error: wire.FromError(err)}
}

// mapBackendError classifies a raw database/sql error into OJP's error
// taxonomy, passing the backend's vendor code and SQL state
// through verbatim. SQL states in classes 22 (data exception) and 23
// (integrity constraint) surface as SqlDataError.
func mapBackendError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	if errors.Is(err, breaker.ErrOpen) {
		return errs.TransientInfra("statement circuit open", err)
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		state := string(myErr.SQLState[:])
		if strings.HasPrefix(state, "22") || strings.HasPrefix(state, "23") {
			return errs.SQLData(state, int(myErr.Number), myErr.Message, err)
		}
		return errs.SQL(state, int(myErr.Number), myErr.Message, err)
	}
	return errs.SQL("", 0, err.Error(), err)
}
