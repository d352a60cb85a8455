package connhash

import (
	"log"
	"strings"
)

// TransactionIsolation enumerates the backend isolation levels OJP
// recognizes. Invalid values on the wire are rejected with a warning and
// fall back to IsolationReadCommitted rather than failing the connect.
type TransactionIsolation string

const (
	IsolationNone            TransactionIsolation = "NONE"
	IsolationReadUncommitted TransactionIsolation = "READ_UNCOMMITTED"
	IsolationReadCommitted   TransactionIsolation = "READ_COMMITTED"
	IsolationRepeatableRead  TransactionIsolation = "REPEATABLE_READ"
	IsolationSerializable    TransactionIsolation = "SERIALIZABLE"
)

func validIsolation(v TransactionIsolation) bool {
	switch v {
	case IsolationNone, IsolationReadUncommitted, IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable:
		return true
	default:
		return false
	}
}

// Configuration is the Datasource/XA Configuration entity: pool
// sizing, lifecycle and evictor knobs for one backend, resolved once per
// ConnHash and then cached.
type Configuration struct {
	MaxPoolSize                 int
	MinIdle                     int
	IdleTimeoutMs               int64
	MaxLifetimeMs               int64
	ConnectionTimeoutMs         int64
	PoolEnabled                 bool
	DefaultTransactionIsolation TransactionIsolation

	// Evictor knobs, XA pools only.
	TimeBetweenEvictionRunsMs  int64
	NumTestsPerEvictionRun     int
	SoftMinEvictableIdleTimeMs int64
}

// DefaultConfiguration returns the documented defaults, which differ
// between non-XA and XA pools (20/5 vs 22/20).
func DefaultConfiguration(isXA bool) Configuration {
	cfg := Configuration{
		IdleTimeoutMs:               10 * 60 * 1000,
		MaxLifetimeMs:               30 * 60 * 1000,
		ConnectionTimeoutMs:         30 * 1000,
		PoolEnabled:                 true,
		DefaultTransactionIsolation: IsolationReadCommitted,
		TimeBetweenEvictionRunsMs:   60 * 1000,
		NumTestsPerEvictionRun:      3,
		SoftMinEvictableIdleTimeMs:  5 * 60 * 1000,
	}
	if isXA {
		cfg.MaxPoolSize = 22
		cfg.MinIdle = 20
	} else {
		cfg.MaxPoolSize = 20
		cfg.MinIdle = 5
	}
	return cfg
}

// ResolveIsolation validates a requested isolation level, logging a
// warning and falling back to the default on an invalid or unknown value
// rather than rejecting the connection.
func ResolveIsolation(requested string) TransactionIsolation {
	level := TransactionIsolation(strings.ToUpper(strings.TrimSpace(requested)))
	if requested == "" {
		return IsolationReadCommitted
	}
	if !validIsolation(level) {
		log.Printf("[connhash] invalid transaction isolation %q, falling back to READ_COMMITTED", requested)
		return IsolationReadCommitted
	}
	return level
}
