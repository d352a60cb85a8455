package session

import (
	"context"
	"database/sql"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ojp-io/ojp/pool"
)

// backendSessionReleaser is the slice of xa.TransactionRegistry the manager
// needs at termination time: returning every BackendSession an OJP Session
// still pins, now that the session itself is going away (the dual-
// condition release rule's other half). Declared as a narrow interface
// here so this package does not import xa.
type backendSessionReleaser interface {
	ReturnCompletedSessions(ctx context.Context, ownerSessionUUID string) int
}

// SessionManager owns every live Session and the client->connHash
// registrations feeding createSession: one map guarded by a mutex, with
// create/get/terminate operations. Termination is explicit rather than
// age-based; a session lives until its client terminates it or drops.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clients  map[string]string // clientUUID -> connHash

	releaser backendSessionReleaser

	lobWaitTimeout time.Duration
	lobSettleDelay time.Duration
}

// NewSessionManager builds a manager. releaser may be nil in tests that
// don't exercise XA termination.
func NewSessionManager(releaser backendSessionReleaser) *SessionManager {
	return &SessionManager{
		sessions:       make(map[string]*Session),
		clients:        make(map[string]string),
		releaser:       releaser,
		lobWaitTimeout: 30 * time.Second,
		lobSettleDelay: 50 * time.Millisecond,
	}
}

// RegisterClient records the association between a clientUUID and the
// ConnHash it will open sessions against. No allocation happens here.
func (m *SessionManager) RegisterClient(clientUUID, connHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[clientUUID] = connHash
}

func (m *SessionManager) insert(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionUUID] = s
}

// CreateSession assigns a fresh sessionUUID and constructs a non-XA
// Session bound to the given connection.
func (m *SessionManager) CreateSession(clientUUID, connHash string, conn *sql.Conn) *Session {
	s := newSession(clientUUID, uuid.NewString(), connHash, false)
	s.SetConnection(conn)
	m.insert(s)
	return s
}

// CreateXASession constructs an XA-flagged Session eagerly bound to both a
// non-XA logical connection and a backend XA session.
func (m *SessionManager) CreateXASession(clientUUID, connHash string, conn *sql.Conn, bs *pool.BackendSession) *Session {
	s := newSession(clientUUID, uuid.NewString(), connHash, true)
	s.SetConnection(conn)
	s.BindXAConnection(bs)
	m.insert(s)
	return s
}

// CreateDeferredXASession produces an XA-flagged Session with no backing
// connection yet; BindXAConnection attaches one later.
func (m *SessionManager) CreateDeferredXASession(clientUUID, connHash string) *Session {
	s := newSession(clientUUID, uuid.NewString(), connHash, true)
	m.insert(s)
	return s
}

// GetSession looks a Session up by its SessionInfo handle. Returns nil,
// false if not found or already terminated.
func (m *SessionManager) GetSession(info SessionInfo) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[info.SessionUUID]
	m.mu.RUnlock()
	if !ok || s.IsTerminated() {
		return nil, false
	}
	return s, true
}

// TerminateSession is idempotent: a session not found on this server (it
// may be hosted elsewhere) or already terminated returns quietly. Otherwise
// it rolls back any open non-XA transaction, then closes result sets,
// statements, LOBs and the connection in that order; errors while closing
// are logged but never abort the sequence.
func (m *SessionManager) TerminateSession(ctx context.Context, info SessionInfo) {
	m.mu.Lock()
	s, ok := m.sessions[info.SessionUUID]
	if ok {
		delete(m.sessions, info.SessionUUID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if !s.markTerminated() {
		return
	}

	s.lobWaiter.wait(m.lobWaitTimeout, m.lobSettleDelay)

	if tx := s.Tx(); tx != nil {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			log.Printf("[session] %s: rollback on terminate failed: %v", s.SessionUUID, err)
		}
	}

	for _, rs := range s.Registry.AllResultSets() {
		closeQuietly(s.SessionUUID, "result set", rs)
	}
	for _, stmt := range s.Registry.AllStatements() {
		closeQuietly(s.SessionUUID, "statement", stmt)
	}
	for _, lob := range s.Registry.AllLobs() {
		closeQuietly(s.SessionUUID, "lob", lob)
	}

	if conn := s.Connection(); conn != nil {
		if err := conn.Close(); err != nil {
			log.Printf("[session] %s: closing connection failed: %v", s.SessionUUID, err)
		}
	}

	if s.IsXA && m.releaser != nil {
		m.releaser.ReturnCompletedSessions(ctx, s.SessionUUID)
	}
}

func closeQuietly(sessionUUID, kind string, object any) {
	closer, ok := object.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Printf("[session] %s: closing %s failed: %v", sessionUUID, kind, err)
	}
}

// WaitLobStreamsConsumption blocks until every in-flight streamed LOB on
// the session reports fully produced (bounded by the manager's wait
// timeout), then sleeps a short settle delay so a statement referencing
// the stream can be prepared before its connection is touched.
// TerminateSession runs the same wait on the session it removes; this entry
// point serves callers that need the drain barrier without terminating.
func (m *SessionManager) WaitLobStreamsConsumption(info SessionInfo) {
	if s, ok := m.GetSession(info); ok {
		s.lobWaiter.wait(m.lobWaitTimeout, m.lobSettleDelay)
	}
}

// Count reports the number of live (non-terminated) sessions, for
// monitoring.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
