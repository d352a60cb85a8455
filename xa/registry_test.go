package xa

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/pool"
	"github.com/ojp-io/ojp/xidkey"
)

// fakeXARes is a no-op in-memory XAResource standing in for a real backend
// so the registry's state machine can be exercised without a database.
type fakeXARes struct {
	mu       sync.Mutex
	started  []xidkey.Xid
	prepared []xidkey.Xid
	failNext error
}

func (f *fakeXARes) Start(ctx context.Context, xid xidkey.Xid, flags int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.started = append(f.started, xid)
	return nil
}
func (f *fakeXARes) End(ctx context.Context, xid xidkey.Xid, flags int32) error { return nil }
func (f *fakeXARes) Prepare(ctx context.Context, xid xidkey.Xid) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, xid)
	return false, nil
}
func (f *fakeXARes) Commit(ctx context.Context, xid xidkey.Xid, onePhase bool) error   { return nil }
func (f *fakeXARes) Rollback(ctx context.Context, xid xidkey.Xid) error                { return nil }
func (f *fakeXARes) Recover(ctx context.Context, flags int32) ([]xidkey.Xid, error)    { return nil, nil }
func (f *fakeXARes) IsSameRM(other pool.XAResource) bool                              { return f == other }
func (f *fakeXARes) SetTransactionTimeout(seconds int) error                          { return nil }
func (f *fakeXARes) GetTransactionTimeout() (int, error)                              { return 0, nil }

// fakeProvider is a bounded, in-memory XAConnectionPoolProvider for testing
// the registry's borrow/return/exhaustion handling.
type fakeProvider struct {
	mu      sync.Mutex
	maxSize int
	active  int
}

func (p *fakeProvider) ID() string                                           { return "fake" }
func (p *fakeProvider) SupportsDatabase(driverName, dsn string) bool         { return true }
func (p *fakeProvider) Priority() int                                        { return 0 }
func (p *fakeProvider) CreateXADataSource(ctx context.Context, cfg pool.DatasourceConfig) (any, error) {
	return p, nil
}

func (p *fakeProvider) BorrowSession(ctx context.Context, handle any) (*pool.BackendSession, error) {
	for {
		p.mu.Lock()
		if p.active < p.maxSize {
			p.active++
			p.mu.Unlock()
			bs := pool.NewBackendSession("fake-session", nil, nil, &fakeXARes{})
			return bs, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (p *fakeProvider) ReturnSession(ctx context.Context, handle any, session *pool.BackendSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active > 0 {
		p.active--
	}
	return nil
}

func (p *fakeProvider) InvalidateSession(ctx context.Context, handle any, session *pool.BackendSession) error {
	return p.ReturnSession(ctx, handle, session)
}

func (p *fakeProvider) GetStatistics(handle any) (pool.Statistics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return pool.Statistics{Active: p.active, Idle: p.maxSize - p.active, Total: p.maxSize}, nil
}

func (p *fakeProvider) Resize(ctx context.Context, handle any, maxPoolSize, minIdle int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSize = maxPoolSize
	return nil
}

func (p *fakeProvider) CloseXADataSource(ctx context.Context, handle any) error { return nil }

func TestTwoPhaseCommitHappyPath(t *testing.T) {
	provider := &fakeProvider{maxSize: 2}
	registry := NewTransactionRegistry(provider, nil, time.Second)
	ctx := context.Background()

	xid := xidkey.New(1, []byte("gt1"), []byte("bq1"))

	require.NoError(t, registry.XAStart(ctx, xid, TMNOFLAGS, "owner-1"))
	require.NoError(t, registry.XAEnd(ctx, xid, 0))

	rc, err := registry.XAPrepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, errs.XA_OK, rc)

	require.NoError(t, registry.XACommit(ctx, xid, false))

	assert.Nil(t, registry.lookup(xid), "TxContext must be removed from the live map after commit")

	returned := registry.ReturnCompletedSessions(ctx, "owner-1")
	assert.Equal(t, 1, returned, "terminateSession must return the still-pinned BackendSession")
}

func TestInvalidStateTransitionReturnsProto(t *testing.T) {
	provider := &fakeProvider{maxSize: 2}
	registry := NewTransactionRegistry(provider, nil, time.Second)
	ctx := context.Background()

	xid := xidkey.New(1, []byte("gt2"), []byte("bq2"))
	require.NoError(t, registry.XAStart(ctx, xid, TMNOFLAGS, "owner-2"))

	_, err := registry.XAPrepare(ctx, xid) // skips xaEnd
	require.Error(t, err)

	xaErr, ok := err.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, errs.XAER_PROTO, xaErr.XACode)

	tc := registry.lookup(xid)
	require.NotNil(t, tc)
	assert.Equal(t, StateActive, tc.State, "state must be unchanged after a rejected transition")
}

func TestPoolExhaustionAtXAStartRaisesRMFAIL(t *testing.T) {
	provider := &fakeProvider{maxSize: 1}
	registry := NewTransactionRegistry(provider, nil, 100*time.Millisecond)
	ctx := context.Background()

	xid1 := xidkey.New(1, []byte("gt3"), []byte("bq3"))
	require.NoError(t, registry.XAStart(ctx, xid1, TMNOFLAGS, "owner-3"))

	xid2 := xidkey.New(1, []byte("gt4"), []byte("bq4"))
	start := time.Now()
	err := registry.XAStart(ctx, xid2, TMNOFLAGS, "owner-4")
	elapsed := time.Since(start)

	require.Error(t, err)
	xaErr, ok := err.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, errs.XAER_RMFAIL, xaErr.XACode)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Nil(t, registry.lookup(xid2), "no partial state created on exhaustion")
}

func TestRegisterExistingSessionMutualExclusionWithXAStart(t *testing.T) {
	provider := &fakeProvider{maxSize: 2}
	registry := NewTransactionRegistry(provider, nil, time.Second)
	ctx := context.Background()

	xid := xidkey.New(1, []byte("gt5"), []byte("bq5"))
	require.NoError(t, registry.XAStart(ctx, xid, TMNOFLAGS, "owner-5"))

	bs := pool.NewBackendSession("preborrowed", nil, nil, &fakeXARes{})
	err := registry.RegisterExistingSession(ctx, xid, bs, "owner-5")
	require.Error(t, err)
	xaErr, ok := err.(*errs.Error)
	require.True(t, ok)
	assert.Equal(t, errs.XAER_DUPID, xaErr.XACode)
}
