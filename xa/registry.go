// Package xa implements the server-side XA transaction registry: the
// resource-manager adapter that enforces the two-phase commit state
// machine per XidKey, owns the borrowed BackendSession across a branch's
// lifetime, and keeps the backend pool's declared size in step with
// multinode coordination.
package xa

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/pool"
	"github.com/ojp-io/ojp/xidkey"
)

// TxState is the XA branch state machine.
type TxState int

const (
	StateNonexistent TxState = iota
	StateActive
	StateEnded
	StatePrepared
	StateCommitted
	StateRolledBack
)

func (s TxState) String() string {
	switch s {
	case StateNonexistent:
		return "NONEXISTENT"
	case StateActive:
		return "ACTIVE"
	case StateEnded:
		return "ENDED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	case StateRolledBack:
		return "ROLLEDBACK"
	default:
		return "UNKNOWN"
	}
}

// XA flag bits (javax.transaction.xa.XAResource), carried from the wire.
const (
	TMNOFLAGS int32 = 0
	TMJOIN    int32 = 1 << 21
	TMRESUME  int32 = 1 << 27
	TMSUSPEND int32 = 1 << 25
)

// TxContext tracks one live XA branch. Session is set when the context is
// created and stays set; the context leaves the registry once it reaches a
// terminal state (committed, rolled back, or prepared read-only).
type TxContext struct {
	Xid              xidkey.XidKey
	State            TxState
	Session          *pool.BackendSession
	ActualXid        xidkey.Xid
	OwnerSessionUUID string

	mu sync.Mutex
}

// TransactionRegistry is the single server-wide table of live TxContexts,
// keyed by XidKey, plus the bookkeeping needed for dual-condition
// BackendSession release.
type TransactionRegistry struct {
	provider     pool.XAConnectionPoolProvider
	handle       any
	startTimeout time.Duration

	mu       sync.Mutex
	contexts map[xidkey.XidKey]*TxContext

	ownerMu sync.Mutex
	owned   map[string][]*pool.BackendSession // ownerSessionUUID -> BackendSessions pinned to it
}

// NewTransactionRegistry builds a registry bound to one backend pool.
// startTimeout bounds how long xaStart(NOFLAGS) waits for a BackendSession
// before failing with XAER_RMFAIL.
func NewTransactionRegistry(provider pool.XAConnectionPoolProvider, handle any, startTimeout time.Duration) *TransactionRegistry {
	return &TransactionRegistry{
		provider:     provider,
		handle:       handle,
		startTimeout: startTimeout,
		contexts:     make(map[xidkey.XidKey]*TxContext),
		owned:        make(map[string][]*pool.BackendSession),
	}
}

func (r *TransactionRegistry) lookup(xid xidkey.XidKey) *TxContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.contexts[xid]
}

func (r *TransactionRegistry) insert(xid xidkey.XidKey, tc *TxContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contexts[xid] = tc
}

func (r *TransactionRegistry) remove(xid xidkey.XidKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.contexts, xid)
}

func (r *TransactionRegistry) trackOwned(owner string, bs *pool.BackendSession) {
	r.ownerMu.Lock()
	defer r.ownerMu.Unlock()
	for _, existing := range r.owned[owner] {
		if existing == bs {
			return
		}
	}
	r.owned[owner] = append(r.owned[owner], bs)
}

// RegisterSessionOwner records that a BackendSession belongs to an OJP
// Session, pinning it session-side for the lifetime of that session (the
// dual-condition release rule's second half). Used for eagerly allocated
// XA connections at connect time.
func (r *TransactionRegistry) RegisterSessionOwner(ownerSessionUUID string, bs *pool.BackendSession) {
	bs.PinBySession(ownerSessionUUID)
	r.trackOwned(ownerSessionUUID, bs)
}

// XAStart implements xaStart. For TMNOFLAGS it borrows a
// fresh BackendSession (bounded by startTimeout) and binds a new TxContext.
// For TMJOIN/TMRESUME it reuses the existing TxContext.
func (r *TransactionRegistry) XAStart(ctx context.Context, xid xidkey.XidKey, flags int32, ownerSessionUUID string) error {
	if flags == TMNOFLAGS {
		return r.startFresh(ctx, xid, ownerSessionUUID, nil)
	}

	tc := r.lookup(xid)
	if tc == nil {
		return errs.XA(errs.XAER_PROTO, "xaStart: no existing branch to join/resume")
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	switch {
	case flags&TMJOIN != 0 && tc.State == StateActive:
	case flags&TMRESUME != 0 && tc.State == StateEnded:
	default:
		return errs.XA(errs.XAER_PROTO, fmt.Sprintf("xaStart(join/resume): invalid state %s for flags %d", tc.State, flags))
	}

	if err := tc.Session.XARes.Start(ctx, tc.ActualXid, flags); err != nil {
		return wrapXAErr(err)
	}
	tc.State = StateActive
	return nil
}

// startFresh is shared by XAStart(NOFLAGS) and RegisterExistingSession.
// If preborrowed is non-nil, it is used instead of borrowing from the pool.
func (r *TransactionRegistry) startFresh(ctx context.Context, xid xidkey.XidKey, ownerSessionUUID string, preborrowed *pool.BackendSession) error {
	if existing := r.lookup(xid); existing != nil {
		return errs.XA(errs.XAER_DUPID, "xaStart/registerExistingSession: branch already registered")
	}

	session := preborrowed
	if session == nil {
		borrowCtx, cancel := context.WithTimeout(ctx, r.startTimeout)
		defer cancel()
		s, err := r.provider.BorrowSession(borrowCtx, r.handle)
		if err != nil {
			return errs.XA(errs.XAER_RMFAIL, "xaStart: pool exhausted waiting for a backend session")
		}
		session = s
	}

	actualXid := xid.ToXid()
	if err := session.XARes.Start(ctx, actualXid, TMNOFLAGS); err != nil {
		if preborrowed == nil {
			r.provider.ReturnSession(ctx, r.handle, session)
		}
		return wrapXAErr(err)
	}

	session.PinByTx()
	tc := &TxContext{
		Xid:              xid,
		State:            StateActive,
		Session:          session,
		ActualXid:        actualXid,
		OwnerSessionUUID: ownerSessionUUID,
	}
	r.insert(xid, tc)
	r.trackOwned(ownerSessionUUID, session)
	return nil
}

// RegisterExistingSession registers a BackendSession the caller already
// holds (eager allocation at connect) as the backing session for xid,
// instead of borrowing a new one.
func (r *TransactionRegistry) RegisterExistingSession(ctx context.Context, xid xidkey.XidKey, bs *pool.BackendSession, ownerSessionUUID string) error {
	return r.startFresh(ctx, xid, ownerSessionUUID, bs)
}

// XAEnd implements xaEnd: requires ACTIVE, transitions to ENDED.
func (r *TransactionRegistry) XAEnd(ctx context.Context, xid xidkey.XidKey, flags int32) error {
	tc := r.lookup(xid)
	if tc == nil {
		return errs.XA(errs.XAER_NOTA, "xaEnd: no such branch")
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.State != StateActive {
		return errs.XA(errs.XAER_PROTO, fmt.Sprintf("xaEnd: invalid state %s", tc.State))
	}
	if err := tc.Session.XARes.End(ctx, tc.ActualXid, flags); err != nil {
		return wrapXAErr(err)
	}
	tc.State = StateEnded
	return nil
}

// XAPrepare implements xaPrepare: requires ENDED, transitions to PREPARED
// (or terminal on XA_RDONLY).
func (r *TransactionRegistry) XAPrepare(ctx context.Context, xid xidkey.XidKey) (int, error) {
	tc := r.lookup(xid)
	if tc == nil {
		return 0, errs.XA(errs.XAER_NOTA, "xaPrepare: no such branch")
	}
	tc.mu.Lock()
	if tc.State != StateEnded {
		state := tc.State
		tc.mu.Unlock()
		return 0, errs.XA(errs.XAER_PROTO, fmt.Sprintf("xaPrepare: invalid state %s", state))
	}

	readOnly, err := tc.Session.XARes.Prepare(ctx, tc.ActualXid)
	if err != nil {
		tc.mu.Unlock()
		return 0, wrapXAErr(err)
	}

	if readOnly {
		tc.State = StateCommitted // read-only branches are immediately terminal
		session := tc.Session
		tc.mu.Unlock()
		r.remove(xid)
		session.UnpinByTx()
		return errs.XA_RDONLY, nil
	}

	tc.State = StatePrepared
	tc.mu.Unlock()
	return errs.XA_OK, nil
}

// XACommit implements xaCommit. Valid source states depend on onePhase.
// The BackendSession is never returned to the pool here; that only
// happens via ReturnCompletedSessions on OJP Session termination.
func (r *TransactionRegistry) XACommit(ctx context.Context, xid xidkey.XidKey, onePhase bool) error {
	tc := r.lookup(xid)
	if tc == nil {
		return errs.XA(errs.XAER_NOTA, "xaCommit: no such branch")
	}
	tc.mu.Lock()

	validState := (onePhase && (tc.State == StateActive || tc.State == StateEnded)) || (!onePhase && tc.State == StatePrepared)
	if !validState {
		state := tc.State
		tc.mu.Unlock()
		return errs.XA(errs.XAER_PROTO, fmt.Sprintf("xaCommit: invalid state %s for onePhase=%v", state, onePhase))
	}

	if err := tc.Session.XARes.Commit(ctx, tc.ActualXid, onePhase); err != nil {
		tc.mu.Unlock()
		return wrapXAErr(err)
	}
	tc.State = StateCommitted
	session := tc.Session
	tc.mu.Unlock()

	r.remove(xid)
	session.UnpinByTx()
	return nil
}

// XARollback implements xaRollback, valid from Active, Ended, or Prepared.
func (r *TransactionRegistry) XARollback(ctx context.Context, xid xidkey.XidKey) error {
	tc := r.lookup(xid)
	if tc == nil {
		return errs.XA(errs.XAER_NOTA, "xaRollback: no such branch")
	}
	tc.mu.Lock()

	switch tc.State {
	case StateActive, StateEnded, StatePrepared:
	default:
		state := tc.State
		tc.mu.Unlock()
		return errs.XA(errs.XAER_PROTO, fmt.Sprintf("xaRollback: invalid state %s", state))
	}

	if err := tc.Session.XARes.Rollback(ctx, tc.ActualXid); err != nil {
		tc.mu.Unlock()
		return wrapXAErr(err)
	}
	tc.State = StateRolledBack
	session := tc.Session
	tc.mu.Unlock()

	r.remove(xid)
	session.UnpinByTx()
	return nil
}

// XARecover implements xaRecover: delegates to any currently bound session
// if one exists, else borrows a scratch session from the pool.
func (r *TransactionRegistry) XARecover(ctx context.Context, flags int32) ([]xidkey.Xid, error) {
	r.mu.Lock()
	var bound *TxContext
	for _, tc := range r.contexts {
		bound = tc
		break
	}
	r.mu.Unlock()

	if bound != nil {
		return bound.Session.XARes.Recover(ctx, flags)
	}

	session, err := r.provider.BorrowSession(ctx, r.handle)
	if err != nil {
		return nil, errs.XA(errs.XAER_RMFAIL, "xaRecover: no session available to scan")
	}
	defer r.provider.ReturnSession(ctx, r.handle, session)
	return session.XARes.Recover(ctx, flags)
}

// ResizeBackendPool live-resizes the backend pool via the SPI.
func (r *TransactionRegistry) ResizeBackendPool(ctx context.Context, newMax, newMin int) error {
	return r.provider.Resize(ctx, r.handle, newMax, newMin)
}

// ReturnCompletedSessions implements the dual-condition release: on OJP
// Session termination, it clears the session-side pin on every
// BackendSession that session owns and returns to the pool any whose
// TxContexts are all terminal (i.e. no longer present in the live map).
func (r *TransactionRegistry) ReturnCompletedSessions(ctx context.Context, ownerSessionUUID string) int {
	r.ownerMu.Lock()
	sessions := r.owned[ownerSessionUUID]
	delete(r.owned, ownerSessionUUID)
	r.ownerMu.Unlock()

	returned := 0
	for _, bs := range sessions {
		bs.UnpinBySession(ownerSessionUUID)
		if bs.ReleasableToPool() {
			if err := r.provider.ReturnSession(ctx, r.handle, bs); err == nil {
				returned++
			}
		}
	}
	return returned
}

func wrapXAErr(err error) error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.XA(errs.XAER_RMERR, err.Error())
}
