// Package session implements server-side Session lifecycle: the
// per-session object tables (statements, result sets, LOBs, attributes)
// and the SessionManager that creates, looks up, and terminates Sessions.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// ObjectRegistry holds one session's open server-side objects, each keyed
// by a freshly minted UUID handed back to the client in place of a raw
// pointer. Statements, result sets and LOBs live in separate tables so
// termination can close them in order.
type ObjectRegistry struct {
	mu sync.RWMutex

	statements         map[string]any
	preparedStatements map[string]any
	callableStatements map[string]any
	resultSets         map[string]any
	lobs               map[string]any
	attributes         map[string]any
}

// NewObjectRegistry builds an empty registry for one session.
func NewObjectRegistry() *ObjectRegistry {
	return &ObjectRegistry{
		statements:         make(map[string]any),
		preparedStatements: make(map[string]any),
		callableStatements: make(map[string]any),
		resultSets:         make(map[string]any),
		lobs:               make(map[string]any),
		attributes:         make(map[string]any),
	}
}

func register(mu *sync.RWMutex, table map[string]any, object any) string {
	mu.Lock()
	defer mu.Unlock()
	id := uuid.NewString()
	table[id] = object
	return id
}

func lookup(mu *sync.RWMutex, table map[string]any, id string) (any, bool) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := table[id]
	return v, ok
}

func remove(mu *sync.RWMutex, table map[string]any, id string) (any, bool) {
	mu.Lock()
	defer mu.Unlock()
	v, ok := table[id]
	delete(table, id)
	return v, ok
}

func snapshot(mu *sync.RWMutex, table map[string]any) []any {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]any, 0, len(table))
	for _, v := range table {
		out = append(out, v)
	}
	return out
}

// RegisterStatement, RegisterPreparedStatement, RegisterCallableStatement,
// RegisterResultSet and RegisterLob each file object under a fresh UUID and
// return that UUID as the handle the client will use to reference it.
func (r *ObjectRegistry) RegisterStatement(stmt any) string {
	return register(&r.mu, r.statements, stmt)
}
func (r *ObjectRegistry) RegisterPreparedStatement(stmt any) string {
	return register(&r.mu, r.preparedStatements, stmt)
}
func (r *ObjectRegistry) RegisterCallableStatement(stmt any) string {
	return register(&r.mu, r.callableStatements, stmt)
}
func (r *ObjectRegistry) RegisterResultSet(rs any) string {
	return register(&r.mu, r.resultSets, rs)
}
func (r *ObjectRegistry) RegisterLob(lob any) string {
	return register(&r.mu, r.lobs, lob)
}

// GetStatement, GetPreparedStatement, GetCallableStatement, GetResultSet
// and GetLob look a handle back up without removing it.
func (r *ObjectRegistry) GetStatement(id string) (any, bool) {
	return lookup(&r.mu, r.statements, id)
}
func (r *ObjectRegistry) GetPreparedStatement(id string) (any, bool) {
	return lookup(&r.mu, r.preparedStatements, id)
}
func (r *ObjectRegistry) GetCallableStatement(id string) (any, bool) {
	return lookup(&r.mu, r.callableStatements, id)
}
func (r *ObjectRegistry) GetResultSet(id string) (any, bool) {
	return lookup(&r.mu, r.resultSets, id)
}
func (r *ObjectRegistry) GetLob(id string) (any, bool) {
	return lookup(&r.mu, r.lobs, id)
}

// CloseStatement, CloseResultSet and CloseLob remove a handle and return
// the removed object so the caller can run its own Close logic.
func (r *ObjectRegistry) CloseStatement(id string) (any, bool) {
	if v, ok := remove(&r.mu, r.statements, id); ok {
		return v, ok
	}
	if v, ok := remove(&r.mu, r.preparedStatements, id); ok {
		return v, ok
	}
	return remove(&r.mu, r.callableStatements, id)
}
func (r *ObjectRegistry) CloseResultSet(id string) (any, bool) {
	return remove(&r.mu, r.resultSets, id)
}
func (r *ObjectRegistry) CloseLob(id string) (any, bool) {
	return remove(&r.mu, r.lobs, id)
}

// AllResultSets, AllStatements and AllLobs snapshot every live object of
// that kind, used by termination to close everything in order.
func (r *ObjectRegistry) AllResultSets() []any { return snapshot(&r.mu, r.resultSets) }
func (r *ObjectRegistry) AllStatements() []any {
	all := snapshot(&r.mu, r.statements)
	all = append(all, snapshot(&r.mu, r.preparedStatements)...)
	all = append(all, snapshot(&r.mu, r.callableStatements)...)
	return all
}
func (r *ObjectRegistry) AllLobs() []any { return snapshot(&r.mu, r.lobs) }

// SetAttribute and GetAttribute store arbitrary per-session key/value state
// (server-side equivalent of connection-level session variables OJP tracks
// itself, distinct from backend SET SESSION state).
func (r *ObjectRegistry) SetAttribute(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attributes[key] = value
}
func (r *ObjectRegistry) GetAttribute(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.attributes[key]
	return v, ok
}
