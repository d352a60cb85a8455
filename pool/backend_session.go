package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ojp-io/ojp/xidkey"
)

// XAResource is the minimal backend XA resource contract a BackendSession
// drives through a transaction branch's lifecycle. A concrete backend
// driver (or a generic XA bridge on top of one) implements this; OJP never
// assumes a particular backend.
type XAResource interface {
	Start(ctx context.Context, xid xidkey.Xid, flags int32) error
	End(ctx context.Context, xid xidkey.Xid, flags int32) error
	Prepare(ctx context.Context, xid xidkey.Xid) (readOnly bool, err error)
	Commit(ctx context.Context, xid xidkey.Xid, onePhase bool) error
	Rollback(ctx context.Context, xid xidkey.Xid) error
	Recover(ctx context.Context, flags int32) ([]xidkey.Xid, error)
	IsSameRM(other XAResource) bool
	SetTransactionTimeout(seconds int) error
	GetTransactionTimeout() (int, error)
}

// LogicalConnection wraps the backend's ordinary connection so that
// commit/rollback are interceptable while under XA control; everything
// else goes to the underlying *sql.Conn directly. This flattens the
// original deep-inheritance "logical connection extends connection" shape
// into composition.
type LogicalConnection struct {
	Conn    *sql.Conn
	xaOwned bool // true while a TxContext has the branch open
}

// SetXAOwned marks whether the logical connection is currently under XA
// control (the external transaction manager drives 2PC through the
// XAResource instead). Commit and Rollback on it return nil without
// touching the backend whether or not the flag is set.
func (l *LogicalConnection) SetXAOwned(owned bool) { l.xaOwned = owned }

func (l *LogicalConnection) Commit() error {
	if l.xaOwned {
		return nil
	}
	// Non-XA autocommit path: nothing to do, statements already committed.
	return nil
}

func (l *LogicalConnection) Rollback() error {
	if l.xaOwned {
		return nil
	}
	return nil
}

// BackendSession wraps one backend XA connection plus its derived logical
// connection and XA resource handle. It is the unit borrowed from and
// returned to an XAConnectionPoolProvider.
type BackendSession struct {
	ID               string
	XAConn           *sql.DB // the backend's physical XA-capable connection (pool of one in practice)
	Logical          *LogicalConnection
	XARes            XAResource
	DefaultIsolation string // isolation level Reset restores before reuse
	CreatedAt        time.Time
	LastReturnedAt   time.Time
	pinnedBySessions map[string]bool // OJP session UUIDs currently pinning this BackendSession
	pinnedByTx       int             // count of live TxContexts pinning this BackendSession
	invalid          bool

	mu sync.Mutex
}

// NewBackendSession constructs a BackendSession around an already-opened
// backend connection and XA resource.
func NewBackendSession(id string, db *sql.DB, conn *sql.Conn, res XAResource) *BackendSession {
	return &BackendSession{
		ID:               id,
		XAConn:           db,
		Logical:          &LogicalConnection{Conn: conn},
		XARes:            res,
		CreatedAt:        time.Now(),
		LastReturnedAt:   time.Now(),
		pinnedBySessions: make(map[string]bool),
	}
}

// Reset returns the session to a clean state for reuse by another caller:
// any session-scoped isolation change a previous borrower made is rolled
// back to the pool's configured default. Reset must fail-close: if the
// underlying reset fails, the session is marked invalid so it is never
// handed out again.
func (b *BackendSession) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.Logical.Conn.ExecContext(ctx, "/* ojp reset */ SELECT 1"); err != nil {
		b.invalid = true
		return fmt.Errorf("backend session %s: reset failed, invalidating: %w", b.ID, err)
	}
	if stmt := IsolationStatement(b.DefaultIsolation); stmt != "" {
		if _, err := b.Logical.Conn.ExecContext(ctx, stmt); err != nil {
			b.invalid = true
			return fmt.Errorf("backend session %s: isolation reset failed, invalidating: %w", b.ID, err)
		}
	}
	b.Logical.SetXAOwned(false)
	return nil
}

// IsolationStatement maps a configured isolation level name to the SQL
// statement that applies it session-wide, or "" for NONE/unknown (NONE
// means "leave the backend default alone").
func IsolationStatement(level string) string {
	switch level {
	case "READ_UNCOMMITTED":
		return "SET SESSION TRANSACTION ISOLATION LEVEL READ UNCOMMITTED"
	case "READ_COMMITTED":
		return "SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED"
	case "REPEATABLE_READ":
		return "SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ"
	case "SERIALIZABLE":
		return "SET SESSION TRANSACTION ISOLATION LEVEL SERIALIZABLE"
	default:
		return ""
	}
}

// Invalidate marks the session unusable; it must never be returned to the
// pool for reuse. The pool provider is responsible for destroying it.
func (b *BackendSession) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalid = true
}

// IsInvalid reports whether the session has been marked unusable.
func (b *BackendSession) IsInvalid() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.invalid
}

// Close releases the underlying backend resources unconditionally. Used
// when a provider destroys a pooled object, and for unpooled sessions on
// OJP Session termination.
func (b *BackendSession) Close() error {
	return b.Logical.Conn.Close()
}

// PinBySession marks this BackendSession as owned by the given OJP session
// UUID. A BackendSession may be pinned by at most one session at a time in
// practice, but the set is kept for symmetry with PinByTx's counter.
func (b *BackendSession) PinBySession(sessionUUID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinnedBySessions[sessionUUID] = true
}

// UnpinBySession releases the session-side pin. Returns true if no
// session-side pin remains.
func (b *BackendSession) UnpinBySession(sessionUUID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pinnedBySessions, sessionUUID)
	return len(b.pinnedBySessions) == 0
}

// PinByTx increments the TxContext pin count (a BackendSession may be
// referenced by more than one TxContext only transiently during a state
// transition; the registry serializes per-XidKey access so in steady state
// this is 0 or 1).
func (b *BackendSession) PinByTx() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinnedByTx++
}

// UnpinByTx decrements the TxContext pin count. Returns true if no
// TxContext pin remains.
func (b *BackendSession) UnpinByTx() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pinnedByTx > 0 {
		b.pinnedByTx--
	}
	return b.pinnedByTx == 0
}

// ReleasableToPool implements the dual-condition release rule: a
// BackendSession returns to the pool exactly when it is pinned by neither
// a TxContext nor an OJP Session.
func (b *BackendSession) ReleasableToPool() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pinnedByTx == 0 && len(b.pinnedBySessions) == 0
}
