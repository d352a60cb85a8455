package pool

import "context"

// DatasourceConfig carries the parsed, per-ConnHash connection properties a
// provider needs to create a backend pool: JDBC/DSN-style URL plus the pool
// sizing and lifecycle knobs from connhash.Configuration. Kept provider-
// agnostic so a provider never reaches back into the connhash package.
type DatasourceConfig struct {
	ConnHash   string
	DriverName string
	DSN        string

	MaxPoolSize          int
	MinIdle              int
	IdleTimeout          int64 // ms
	MaxLifetime          int64 // ms
	ConnectionTimeout    int64 // ms
	PoolEnabled          bool
	TransactionIsolation string

	// Evictor knobs, XA pools only.
	TimeBetweenEvictionRuns  int64 // ms
	NumTestsPerEvictionRun   int
	SoftMinEvictableIdleTime int64 // ms
}

// Statistics reports a snapshot of a backend pool's state, surfaced through
// monitoring (DatasourceRegistry.Stats).
type Statistics struct {
	Active int
	Idle   int
	Total  int
}

// XAConnectionPoolProvider is the pluggable backend connection pool SPI.
// OJP ships one implementation (CommonsPool2Provider), which
// DatasourceRegistry constructs directly. ID, SupportsDatabase and Priority
// are part of the contract, but nothing in this module discovers providers
// or ranks them by Priority.
type XAConnectionPoolProvider interface {
	// ID identifies this provider for configuration and logging purposes.
	ID() string

	// SupportsDatabase reports whether this provider can serve connections
	// for the given driver name / DSN pair.
	SupportsDatabase(driverName, dsn string) bool

	// Priority orders providers when more than one claims to support a
	// database; higher wins.
	Priority() int

	// CreateXADataSource allocates the backend pool for one ConnHash. The
	// returned handle is opaque to callers and passed back into the other
	// methods unchanged.
	CreateXADataSource(ctx context.Context, cfg DatasourceConfig) (any, error)

	// BorrowSession checks out one BackendSession from the pool handle,
	// blocking up to the provider's configured connection timeout.
	BorrowSession(ctx context.Context, handle any) (*BackendSession, error)

	// ReturnSession returns a BackendSession to the pool for reuse. The
	// caller must already have run BackendSession.Reset and confirmed it
	// is not invalid; ReturnSession on an invalid session destroys it
	// instead of pooling it.
	ReturnSession(ctx context.Context, handle any, session *BackendSession) error

	// InvalidateSession destroys a BackendSession outright, never
	// returning it to the pool.
	InvalidateSession(ctx context.Context, handle any, session *BackendSession) error

	// GetStatistics reports the current pool occupancy for the handle.
	GetStatistics(handle any) (Statistics, error)

	// Resize live-adjusts the pool's max size without recreating it, used
	// by cluster-driven resize when only the declared size changed; an
	// endpoint-set change recreates the pool instead.
	Resize(ctx context.Context, handle any, maxPoolSize, minIdle int) error

	// CloseXADataSource tears the backend pool down entirely, closing all
	// idle and in-use sessions.
	CloseXADataSource(ctx context.Context, handle any) error
}
