package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	closed bool
	err    error
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return f.err
}

type fakeReleaser struct {
	calls []string
}

func (r *fakeReleaser) ReturnCompletedSessions(ctx context.Context, ownerSessionUUID string) int {
	r.calls = append(r.calls, ownerSessionUUID)
	return 1
}

func TestCreateSessionAssignsFreshUUID(t *testing.T) {
	m := NewSessionManager(nil)
	s1 := m.CreateSession("client-1", "connhash-a", nil)
	s2 := m.CreateSession("client-1", "connhash-a", nil)

	assert.NotEqual(t, s1.SessionUUID, s2.SessionUUID)
	assert.Equal(t, 2, m.Count())
}

func TestTerminateSessionClosesRegisteredObjects(t *testing.T) {
	m := NewSessionManager(nil)
	s := m.CreateSession("client-1", "connhash-a", nil)

	rs := &fakeCloser{}
	stmt := &fakeCloser{}
	lob := &fakeCloser{}
	s.Registry.RegisterResultSet(rs)
	s.Registry.RegisterStatement(stmt)
	s.Registry.RegisterLob(lob)

	info := SessionInfo{ClientUUID: "client-1", SessionUUID: s.SessionUUID}
	m.TerminateSession(context.Background(), info)

	assert.True(t, rs.closed)
	assert.True(t, stmt.closed)
	assert.True(t, lob.closed)
	assert.True(t, s.IsTerminated())

	_, found := m.GetSession(info)
	assert.False(t, found, "terminated session must no longer be reachable via GetSession")
}

func TestTerminateSessionIsIdempotent(t *testing.T) {
	m := NewSessionManager(nil)
	s := m.CreateSession("client-1", "connhash-a", nil)
	info := SessionInfo{ClientUUID: "client-1", SessionUUID: s.SessionUUID}

	m.TerminateSession(context.Background(), info)
	assert.NotPanics(t, func() {
		m.TerminateSession(context.Background(), info)
	})
}

func TestTerminateUnknownSessionReturnsQuietly(t *testing.T) {
	m := NewSessionManager(nil)
	assert.NotPanics(t, func() {
		m.TerminateSession(context.Background(), SessionInfo{SessionUUID: "does-not-exist"})
	})
}

func TestTerminateXASessionReleasesBackendSession(t *testing.T) {
	releaser := &fakeReleaser{}
	m := NewSessionManager(releaser)
	s := m.CreateXASession("client-1", "connhash-a", nil, nil)
	info := SessionInfo{ClientUUID: "client-1", SessionUUID: s.SessionUUID}

	m.TerminateSession(context.Background(), info)

	require.Len(t, releaser.calls, 1)
	assert.Equal(t, s.SessionUUID, releaser.calls[0])
}
