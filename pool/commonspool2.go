package pool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	commonspool "github.com/jolestar/go-commons-pool/v2"
	"github.com/google/uuid"
)

// CommonsPool2Provider is the default XAConnectionPoolProvider, backing
// every ConnHash's pool of BackendSessions with a go-commons-pool/v2
// ObjectPool: XA-capable sessions pooled as first-class objects instead
// of leaning on database/sql's own connection reuse.
type CommonsPool2Provider struct {
	newXAResource func(conn *sql.Conn) (XAResource, error)

	mu     sync.Mutex
	byHash map[string]*commonsPool2Handle
}

type commonsPool2Handle struct {
	cfg     DatasourceConfig
	db      *sql.DB
	objPool *commonspool.ObjectPool
}

// NewCommonsPool2Provider builds the provider. newXAResource adapts a raw
// *sql.Conn into the backend-specific XAResource; callers wire in the
// concrete backend (e.g. a MySQL XA bridge) here.
func NewCommonsPool2Provider(newXAResource func(conn *sql.Conn) (XAResource, error)) *CommonsPool2Provider {
	return &CommonsPool2Provider{
		newXAResource: newXAResource,
		byHash:        make(map[string]*commonsPool2Handle),
	}
}

func (p *CommonsPool2Provider) ID() string { return "commons-pool2" }

// SupportsDatabase is the fallback/default provider: it claims every
// database unless a higher-priority provider is registered ahead of it.
func (p *CommonsPool2Provider) SupportsDatabase(driverName, dsn string) bool { return true }

func (p *CommonsPool2Provider) Priority() int { return 0 }

type sessionFactory struct {
	provider *CommonsPool2Provider
	cfg      DatasourceConfig
	db       *sql.DB
}

func (f *sessionFactory) MakeObject(ctx context.Context) (*commonspool.PooledObject, error) {
	conn, err := f.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring backend connection for %s: %w", f.cfg.ConnHash, err)
	}
	res, err := f.provider.newXAResource(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("building xa resource for %s: %w", f.cfg.ConnHash, err)
	}
	bs := NewBackendSession(uuid.NewString(), f.db, conn, res)
	bs.DefaultIsolation = f.cfg.TransactionIsolation
	if stmt := IsolationStatement(bs.DefaultIsolation); stmt != "" {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying isolation for %s: %w", f.cfg.ConnHash, err)
		}
	}
	return commonspool.NewPooledObject(bs), nil
}

func (f *sessionFactory) DestroyObject(ctx context.Context, object *commonspool.PooledObject) error {
	bs := object.Object.(*BackendSession)
	return bs.Close()
}

func (f *sessionFactory) ValidateObject(ctx context.Context, object *commonspool.PooledObject) bool {
	bs := object.Object.(*BackendSession)
	if bs.IsInvalid() {
		return false
	}
	return bs.Logical.Conn.PingContext(ctx) == nil
}

func (f *sessionFactory) ActivateObject(ctx context.Context, object *commonspool.PooledObject) error {
	return nil
}

func (f *sessionFactory) PassivateObject(ctx context.Context, object *commonspool.PooledObject) error {
	bs := object.Object.(*BackendSession)
	return bs.Reset(ctx)
}

// CreateXADataSource opens the backend *sql.DB for this ConnHash and wraps
// it in a go-commons-pool ObjectPool sized per cfg.
func (p *CommonsPool2Provider) CreateXADataSource(ctx context.Context, cfg DatasourceConfig) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.byHash[cfg.ConnHash]; ok {
		return existing, nil
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening backend %s for %s: %w", cfg.DriverName, cfg.ConnHash, err)
	}
	db.SetMaxOpenConns(cfg.MaxPoolSize)
	db.SetMaxIdleConns(cfg.MinIdle)
	db.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Millisecond)

	poolCfg := commonspool.NewDefaultPoolConfig()
	poolCfg.MaxTotal = cfg.MaxPoolSize
	poolCfg.MaxIdle = cfg.MaxPoolSize
	poolCfg.MinIdle = cfg.MinIdle
	poolCfg.BlockWhenExhausted = true
	poolCfg.TestOnBorrow = true
	poolCfg.TestOnReturn = true
	poolCfg.TestWhileIdle = true
	poolCfg.TimeBetweenEvictionRuns = evictorDuration(cfg.TimeBetweenEvictionRuns, 30*time.Second)
	poolCfg.MinEvictableIdleTime = time.Duration(cfg.IdleTimeout) * time.Millisecond
	poolCfg.SoftMinEvictableIdleTime = evictorDuration(cfg.SoftMinEvictableIdleTime, 0)
	if cfg.NumTestsPerEvictionRun > 0 {
		poolCfg.NumTestsPerEvictionRun = cfg.NumTestsPerEvictionRun
	}

	objPool := commonspool.NewObjectPool(ctx, &sessionFactory{provider: p, cfg: cfg, db: db}, poolCfg)

	for i := 0; i < cfg.MinIdle; i++ {
		if err := objPool.AddObject(ctx); err != nil {
			log.Printf("[pool] pre-allocating idle session %d/%d for %s failed: %v", i+1, cfg.MinIdle, cfg.ConnHash, err)
			break
		}
	}

	handle := &commonsPool2Handle{cfg: cfg, db: db, objPool: objPool}
	p.byHash[cfg.ConnHash] = handle
	return handle, nil
}

func evictorDuration(ms int64, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func (p *CommonsPool2Provider) BorrowSession(ctx context.Context, handle any) (*BackendSession, error) {
	h := handle.(*commonsPool2Handle)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && h.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(h.cfg.ConnectionTimeout)*time.Millisecond)
		defer cancel()
	}
	obj, err := h.objPool.BorrowObject(ctx)
	if err != nil {
		return nil, fmt.Errorf("borrowing backend session for %s: %w", h.cfg.ConnHash, err)
	}
	return obj.(*BackendSession), nil
}

func (p *CommonsPool2Provider) ReturnSession(ctx context.Context, handle any, session *BackendSession) error {
	h := handle.(*commonsPool2Handle)
	if session.IsInvalid() {
		return h.objPool.InvalidateObject(ctx, session)
	}
	session.LastReturnedAt = time.Now()
	return h.objPool.ReturnObject(ctx, session)
}

func (p *CommonsPool2Provider) InvalidateSession(ctx context.Context, handle any, session *BackendSession) error {
	h := handle.(*commonsPool2Handle)
	session.Invalidate()
	return h.objPool.InvalidateObject(ctx, session)
}

func (p *CommonsPool2Provider) GetStatistics(handle any) (Statistics, error) {
	h := handle.(*commonsPool2Handle)
	return Statistics{
		Active: h.objPool.GetNumActive(),
		Idle:   h.objPool.GetNumIdle(),
		Total:  h.objPool.GetNumActive() + h.objPool.GetNumIdle(),
	}, nil
}

// Resize live-adjusts the pool's bounds in place. Used when cluster
// coordination changes only a declared pool size, not the backend endpoint
// set, so existing sessions are preserved.
func (p *CommonsPool2Provider) Resize(ctx context.Context, handle any, maxPoolSize, minIdle int) error {
	h := handle.(*commonsPool2Handle)
	h.objPool.Config.MaxTotal = maxPoolSize
	h.objPool.Config.MaxIdle = maxPoolSize
	h.objPool.Config.MinIdle = minIdle
	h.db.SetMaxOpenConns(maxPoolSize)
	h.db.SetMaxIdleConns(minIdle)
	return nil
}

func (p *CommonsPool2Provider) CloseXADataSource(ctx context.Context, handle any) error {
	h := handle.(*commonsPool2Handle)
	p.mu.Lock()
	delete(p.byHash, h.cfg.ConnHash)
	p.mu.Unlock()

	h.objPool.Close(ctx)
	return h.db.Close()
}
