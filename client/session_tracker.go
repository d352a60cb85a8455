// Package client implements the multi-node client side of OJP: sticky
// routing for XA sessions, health-based failover, pool-size coordination
// across nodes, connection invalidation on recovery, and a database/sql
// driver on top of it all.
package client

import "sync"

// SessionTracker records which ServerEndpoint a given sessionUUID is
// sticky-bound to, so XA sessions keep landing on the same server across
// RPCs.
type SessionTracker struct {
	mu       sync.RWMutex
	bindings map[string]string // sessionUUID -> endpoint
}

// NewSessionTracker builds an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{bindings: make(map[string]string)}
}

// Bind records that sessionUUID is sticky-bound to endpoint.
func (t *SessionTracker) Bind(sessionUUID, endpoint string) {
	if sessionUUID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings[sessionUUID] = endpoint
}

// Lookup returns the endpoint sessionUUID is bound to, if any.
func (t *SessionTracker) Lookup(sessionUUID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ep, ok := t.bindings[sessionUUID]
	return ep, ok
}

// Unbind removes a session's stickiness, e.g. on terminateSession.
func (t *SessionTracker) Unbind(sessionUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bindings, sessionUUID)
}

// SessionsOn returns every sessionUUID currently bound to endpoint. Used
// on server-recovery invalidation to find which sessions must be dropped
// from the recovered endpoint's prior fallback assignment.
func (t *SessionTracker) SessionsOn(endpoint string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for sess, ep := range t.bindings {
		if ep == endpoint {
			out = append(out, sess)
		}
	}
	return out
}

// UnbindAll removes every session bound to endpoint, returning the
// removed sessionUUIDs. Used on server-recovery invalidation.
func (t *SessionTracker) UnbindAll(endpoint string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for sess, ep := range t.bindings {
		if ep == endpoint {
			delete(t.bindings, sess)
			removed = append(removed, sess)
		}
	}
	return removed
}

// SessionCount returns how many sessions are currently bound to endpoint,
// the input to load-aware (fewest-sessions) routing.
func (t *SessionTracker) SessionCount(endpoint string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, ep := range t.bindings {
		if ep == endpoint {
			n++
		}
	}
	return n
}
