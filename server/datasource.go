package server

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/ojp-io/ojp/cluster"
	"github.com/ojp-io/ojp/connhash"
	"github.com/ojp-io/ojp/pool"
	"github.com/ojp-io/ojp/wire"
	"github.com/ojp-io/ojp/xa"
)

// nonXADatasource backs one ConnHash's non-XA connections. Connect only
// ensures the *sql.DB exists and returns a session handle, leaning on
// database/sql's own pool (SetMaxOpenConns/SetMaxIdleConns) instead of
// routing through the XAConnectionPoolProvider SPI, since non-XA
// operations never need a BackendSession pinned across more than one RPC.
type nonXADatasource struct {
	db        *sql.DB
	pooled    bool
	cfg       connhash.Configuration
	endpoints []string
	slots     *SlotManager
}

// xaDatasource backs one ConnHash's XA connections via the
// XAConnectionPoolProvider SPI and a TransactionRegistry enforcing the 2PC
// state machine over borrowed BackendSessions.
type xaDatasource struct {
	provider     pool.XAConnectionPoolProvider
	handle       any
	registry     *xa.TransactionRegistry
	cfg          connhash.Configuration
	endpoints    []string
	slots        *SlotManager
	housekeeping *pool.Housekeeping
}

// DatasourceRegistry is the server-wide, concurrent-map-with-put-if-absent
// table of live backends, one entry per ConnHash.
type DatasourceRegistry struct {
	mu    sync.Mutex
	nonXA map[string]*nonXADatasource
	xa    map[string]*xaDatasource

	xaProvider  *pool.CommonsPool2Provider
	healthTrack *cluster.HealthTracker
	poolCoord   *cluster.PoolCoordinator
	xaCoord     *cluster.XaCoordinator
	configCache *connhash.ConfigCache

	xaStartTimeout       time.Duration
	housekeepingInterval time.Duration
}

// NewDatasourceRegistry builds an empty registry. xaStartTimeout bounds how
// long xaStart(NOFLAGS) waits on an exhausted pool before XAER_RMFAIL;
// housekeepingInterval paces each XA pool's background task.
func NewDatasourceRegistry(xaStartTimeout, housekeepingInterval time.Duration) *DatasourceRegistry {
	if housekeepingInterval <= 0 {
		housekeepingInterval = time.Minute
	}
	r := &DatasourceRegistry{
		nonXA:                make(map[string]*nonXADatasource),
		xa:                   make(map[string]*xaDatasource),
		healthTrack:          cluster.NewHealthTracker(),
		poolCoord:            cluster.NewPoolCoordinator(),
		xaCoord:              cluster.NewXaCoordinator(),
		configCache:          connhash.NewConfigCache(),
		xaStartTimeout:       xaStartTimeout,
		housekeepingInterval: housekeepingInterval,
	}
	r.xaProvider = pool.NewCommonsPool2Provider(func(conn *sql.Conn) (pool.XAResource, error) {
		return pool.NewMySQLXAResource(conn)
	})
	return r
}

func driverNameFor(details wire.ConnectionDetails) string {
	if d, ok := details.Properties["driver"]; ok && d != "" {
		return d
	}
	return "mysql"
}

func buildDSN(driverName string, details wire.ConnectionDetails) (string, error) {
	configurator := pool.ResolveConfigurator(driverName)
	props := make(map[string]string, len(details.Properties)+3)
	for k, v := range details.Properties {
		props[k] = v
	}
	props["user"] = details.User
	props["password"] = details.Password
	if _, ok := props["host"]; !ok {
		props["host"] = details.URL
	}
	return configurator.BuildDSN(pool.DatasourceConfig{}, props)
}

// localAllocation derives this server's (maxPoolSize, minIdle) slice of
// the declared pool size given the current cluster-health snapshot.
func localAllocation(declaredMax, declaredMin int, clusterHealth string) (int, int, int) {
	healthyPeers := cluster.HealthyPeerCount(clusterHealth)
	max := declaredMax
	min := declaredMin
	if healthyPeers > 0 {
		max = (declaredMax + healthyPeers - 1) / healthyPeers
		min = (declaredMin + healthyPeers - 1) / healthyPeers
	}
	if max < 1 {
		max = 1
	}
	if min < 1 {
		min = 1
	}
	return max, min, healthyPeers
}

// minIdleFor clamps a minIdle allocation to the pool's max size.
func minIdleFor(minIdle, maxPool int) int {
	if minIdle > maxPool {
		return maxPool
	}
	return minIdle
}

// EnsureNonXA implements the non-XA half of the connect action: a pool
// for connHash is created once and reused across every later request
// carrying the same ConnHash. Pooled-vs-unpooled affects whether the
// local allocation is shrunk by multinode division (unpooled backends get
// the operator's declared size outright, there being no elastic pool to
// divide) and whether released connections are kept idle for reuse.
func (r *DatasourceRegistry) EnsureNonXA(ctx context.Context, connHash string, details wire.ConnectionDetails) (*nonXADatasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nonXA[connHash]; ok {
		return existing, nil
	}

	cfg := connhash.DefaultConfiguration(false)
	cfg.PoolEnabled = true
	cfg.DefaultTransactionIsolation = connhash.ResolveIsolation(details.Properties["defaultTransactionIsolation"])

	driverName := driverNameFor(details)
	dsn, err := buildDSN(driverName, details)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("datasource: opening non-XA backend for %s: %w", connHash, err)
	}

	maxPool, minIdle := cfg.MaxPoolSize, cfg.MinIdle
	if pooledProperty(details) {
		m, n, healthy := localAllocation(cfg.MaxPoolSize, cfg.MinIdle, details.ClusterHealth)
		maxPool, minIdle = m, n
		r.poolCoord.CalculatePoolSizes(connHash, cfg.MaxPoolSize, cfg.MinIdle, healthy, details.ServerEndpoints)
	}
	db.SetMaxOpenConns(maxPool)
	db.SetMaxIdleConns(minIdle)
	if !pooledProperty(details) {
		// Unpooled: every released connection closes, so each acquisition
		// opens a fresh backend connection.
		db.SetMaxIdleConns(0)
	}
	db.SetConnMaxLifetime(time.Duration(cfg.MaxLifetimeMs) * time.Millisecond)

	ds := &nonXADatasource{
		db:        db,
		pooled:    pooledProperty(details),
		cfg:       cfg,
		endpoints: details.ServerEndpoints,
		slots:     NewSlotManager(DefaultSlotManagerConfig(maxPool)),
	}
	r.nonXA[connHash] = ds
	r.configCache.Put(connHash, cfg)
	return ds, nil
}

func pooledProperty(details wire.ConnectionDetails) bool {
	if v, ok := details.Properties["ojp.connection.pool.enabled"]; ok {
		return v != "false"
	}
	return true
}

func xaPooledProperty(details wire.ConnectionDetails) bool {
	if v, ok := details.Properties["ojp.xa.connection.pool.enabled"]; ok {
		return v != "false"
	}
	return true
}

// EnsureXA implements the XA half of the connect action: reuse an
// existing TransactionRegistry for connHash, live-resizing it when only
// the multinode allocation changed, or close and recreate it when the
// peer endpoint set itself changed; creation pre-allocates up to minIdle
// backend sessions.
func (r *DatasourceRegistry) EnsureXA(ctx context.Context, connHash string, details wire.ConnectionDetails) (*xaDatasource, error) {
	r.mu.Lock()
	existing, ok := r.xa[connHash]
	r.mu.Unlock()

	cfg := connhash.DefaultConfiguration(true)
	cfg.DefaultTransactionIsolation = connhash.ResolveIsolation(details.Properties["defaultTransactionIsolation"])
	maxPool, minIdle, _ := localAllocation(cfg.MaxPoolSize, cfg.MinIdle, details.ClusterHealth)

	if ok {
		newMax, endpointSetChanged, tracked := r.xaCoord.UpdateHealthyServers(connHash, cluster.HealthyPeerCount(details.ClusterHealth), details.ServerEndpoints)
		if !endpointSetChanged {
			if tracked {
				existing.registry.ResizeBackendPool(ctx, newMax, minIdleFor(minIdle, newMax))
				existing.slots.Resize(newMax)
			}
			return existing, nil
		}
		r.mu.Lock()
		delete(r.xa, connHash)
		r.mu.Unlock()
		if existing.housekeeping != nil {
			existing.housekeeping.Stop()
		}
		existing.provider.CloseXADataSource(ctx, existing.handle)
	}

	driverName := driverNameFor(details)
	dsn, err := buildDSN(driverName, details)
	if err != nil {
		return nil, err
	}

	handle, err := r.xaProvider.CreateXADataSource(ctx, pool.DatasourceConfig{
		ConnHash:                 connHash,
		DriverName:               driverName,
		DSN:                      dsn,
		MaxPoolSize:              maxPool,
		MinIdle:                  minIdle,
		IdleTimeout:              cfg.IdleTimeoutMs,
		MaxLifetime:              cfg.MaxLifetimeMs,
		ConnectionTimeout:        cfg.ConnectionTimeoutMs,
		PoolEnabled:              xaPooledProperty(details),
		TransactionIsolation:     string(cfg.DefaultTransactionIsolation),
		TimeBetweenEvictionRuns:  cfg.TimeBetweenEvictionRunsMs,
		NumTestsPerEvictionRun:   cfg.NumTestsPerEvictionRun,
		SoftMinEvictableIdleTime: cfg.SoftMinEvictableIdleTimeMs,
	})
	if err != nil {
		return nil, fmt.Errorf("datasource: creating XA backend for %s: %w", connHash, err)
	}

	hk := pool.NewHousekeeping(pool.HousekeepingConfig{
		Interval:             r.housekeepingInterval,
		LeakDetectionEnabled: true,
		LeakThreshold:        10 * time.Minute,
	}, r.xaProvider, handle, time.Duration(cfg.MaxLifetimeMs)*time.Millisecond)
	// Started against the background context: the housekeeping goroutine
	// outlives the connect request that created the pool, stopping only
	// when the pool is recreated or closed.
	hk.Start(context.Background())

	provider := &pool.InstrumentedProvider{Inner: r.xaProvider, HK: hk}
	registry := xa.NewTransactionRegistry(provider, handle, r.xaStartTimeout)

	r.xaCoord.CalculateXaLimits(connHash, cfg.MaxPoolSize, cluster.HealthyPeerCount(details.ClusterHealth), details.ServerEndpoints)

	ds := &xaDatasource{
		provider:     provider,
		handle:       handle,
		registry:     registry,
		cfg:          cfg,
		endpoints:    details.ServerEndpoints,
		slots:        NewSlotManager(DefaultSlotManagerConfig(maxPool)),
		housekeeping: hk,
	}

	r.mu.Lock()
	r.xa[connHash] = ds
	r.mu.Unlock()
	r.configCache.Put(connHash, cfg)
	return ds, nil
}

// ProcessClusterHealth is invoked at the top of every per-request
// handler: a no-op unless the cluster-health string changed for this
// ConnHash since last observed, in which case the live pool (non-XA
// and/or XA) is resized to the new healthy-peer-derived allocation.
func (r *DatasourceRegistry) ProcessClusterHealth(ctx context.Context, info wire.SessionInfo) {
	if !r.healthTrack.Changed(info.ConnHash, info.ClusterHealth) {
		return
	}

	r.mu.Lock()
	nonXA, hasNonXA := r.nonXA[info.ConnHash]
	xaDS, hasXA := r.xa[info.ConnHash]
	r.mu.Unlock()

	healthyPeers := cluster.HealthyPeerCount(info.ClusterHealth)
	if hasNonXA && nonXA.pooled {
		sizes, endpointSetChanged, trackedOK := r.poolCoord.UpdateHealthyServers(info.ConnHash, healthyPeers, nonXA.endpoints)
		if trackedOK && !endpointSetChanged {
			nonXA.db.SetMaxOpenConns(sizes.MaxPoolSize)
			nonXA.db.SetMaxIdleConns(sizes.MinIdle)
			nonXA.slots.Resize(sizes.MaxPoolSize)
		}
	}
	if hasXA {
		max, endpointSetChanged, trackedOK := r.xaCoord.UpdateHealthyServers(info.ConnHash, healthyPeers, xaDS.endpoints)
		if trackedOK && !endpointSetChanged {
			_, min, _ := localAllocation(xaDS.cfg.MaxPoolSize, xaDS.cfg.MinIdle, info.ClusterHealth)
			xaDS.registry.ResizeBackendPool(ctx, max, minIdleFor(min, max))
			xaDS.slots.Resize(max)
		}
	}
}

// PoolStats describes one live backend's occupancy for monitoring.
type PoolStats struct {
	ConnHash string
	IsXA     bool
	Active   int
	Idle     int
	Total    int
}

// Stats snapshots every live backend's pool occupancy.
func (r *DatasourceRegistry) Stats() []PoolStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PoolStats, 0, len(r.nonXA)+len(r.xa))
	for connHash, ds := range r.nonXA {
		st := ds.db.Stats()
		out = append(out, PoolStats{
			ConnHash: connHash,
			Active:   st.InUse,
			Idle:     st.Idle,
			Total:    st.OpenConnections,
		})
	}
	for connHash, ds := range r.xa {
		st, err := ds.provider.GetStatistics(ds.handle)
		if err != nil {
			continue
		}
		out = append(out, PoolStats{
			ConnHash: connHash,
			IsXA:     true,
			Active:   st.Active,
			Idle:     st.Idle,
			Total:    st.Total,
		})
	}
	return out
}

// ReturnCompletedSessions satisfies session.backendSessionReleaser. An OJP
// Session's ConnHash is not threaded through to the SessionManager, so on
// termination every live XA registry is asked to release whatever
// BackendSessions it still has pinned to ownerSessionUUID; only the
// registry that actually owns that session does any work, the rest are
// no-ops against an absent map key.
func (r *DatasourceRegistry) ReturnCompletedSessions(ctx context.Context, ownerSessionUUID string) int {
	r.mu.Lock()
	registries := make([]*xa.TransactionRegistry, 0, len(r.xa))
	for _, ds := range r.xa {
		registries = append(registries, ds.registry)
	}
	r.mu.Unlock()

	total := 0
	for _, registry := range registries {
		total += registry.ReturnCompletedSessions(ctx, ownerSessionUUID)
	}
	return total
}
