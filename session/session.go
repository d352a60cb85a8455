package session

import (
	"database/sql"
	"sync"
	"time"

	"github.com/ojp-io/ojp/pool"
)

// SessionInfo is the lightweight handle a client carries to address a
// Session on subsequent requests, instead of any server-internal pointer.
type SessionInfo struct {
	ClientUUID  string
	SessionUUID string
}

// Session is one logical client session: either a plain (non-XA) session
// backed by a lazily allocated *sql.Conn, or an XA session eagerly bound to
// a pool.BackendSession at connect time.
type Session struct {
	SessionUUID string
	ClientUUID  string
	ConnHash    string
	IsXA        bool

	Registry *ObjectRegistry

	mu             sync.Mutex
	connection     *sql.Conn
	tx             *sql.Tx
	backendSession *pool.BackendSession
	lastActivity   time.Time
	terminated     bool
	lobWaiter      *lobWaiter
}

// Tx returns the session's open non-XA transaction, if any.
func (s *Session) Tx() *sql.Tx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

// SetTx binds (or clears, with nil) the session's non-XA transaction.
func (s *Session) SetTx(tx *sql.Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = tx
}

func newSession(clientUUID, sessionUUID, connHash string, isXA bool) *Session {
	return &Session{
		SessionUUID:  sessionUUID,
		ClientUUID:   clientUUID,
		ConnHash:     connHash,
		IsXA:         isXA,
		Registry:     NewObjectRegistry(),
		lastActivity: time.Now(),
		lobWaiter:    newLobWaiter(),
	}
}

// Touch refreshes the session's last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the session's last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Connection returns the session's non-XA backend connection, if any.
func (s *Session) Connection() *sql.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connection
}

// SetConnection binds the lazily allocated non-XA connection.
func (s *Session) SetConnection(conn *sql.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection = conn
}

// BackendSession returns the session's XA-bound backend session, if any.
func (s *Session) BackendSession() *pool.BackendSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendSession
}

// BindXAConnection attaches a backend session to a previously deferred XA
// session (createDeferredXASession followed later by bindXAConnection).
func (s *Session) BindXAConnection(bs *pool.BackendSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendSession = bs
}

// IsTerminated reports whether TerminateSession has already run for this
// session.
func (s *Session) IsTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

func (s *Session) markTerminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return false
	}
	s.terminated = true
	return true
}

// BeginLobStream and EndLobStream bracket one in-flight streamed LOB write,
// so WaitLobStreamsConsumption can block termination until all of them have
// drained. The producer (client upload) and consumer (statement binding)
// race on streamed inserts; the drain wait closes that window.
func (s *Session) BeginLobStream() { s.lobWaiter.begin() }
func (s *Session) EndLobStream()   { s.lobWaiter.end() }

// lobWaiter tracks in-flight streamed LOB writes for one session with a
// plain counter and condition variable, polled by
// WaitLobStreamsConsumption rather than by a blocking channel close, since
// new streams can start and finish repeatedly during a session's life.
type lobWaiter struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newLobWaiter() *lobWaiter {
	w := &lobWaiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *lobWaiter) begin() {
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
}

func (w *lobWaiter) end() {
	w.mu.Lock()
	w.count--
	if w.count <= 0 {
		w.count = 0
		w.cond.Broadcast()
	}
	w.mu.Unlock()
}

// wait blocks until count reaches zero or the timeout elapses, then sleeps
// settleDelay to let a statement referencing the just-finished stream get
// prepared before the connection it depends on is torn down.
func (w *lobWaiter) wait(timeout, settleDelay time.Duration) {
	done := make(chan struct{})
	go func() {
		w.mu.Lock()
		for w.count > 0 {
			w.cond.Wait()
		}
		w.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
	time.Sleep(settleDelay)
}
