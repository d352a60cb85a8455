package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ojp-io/ojp/breaker"
	"github.com/ojp-io/ojp/session"
	"github.com/ojp-io/ojp/wire"
)

func newLobService(t *testing.T) (*StatementService, *session.SessionManager, wire.SessionInfo) {
	t.Helper()

	datasources := NewDatasourceRegistry(time.Second, time.Minute)
	sessions := session.NewSessionManager(datasources)
	service := NewStatementService(sessions, datasources, breaker.NewStatementBreaker(breaker.DefaultConfig()))

	sess := sessions.CreateSession("client-1", "hash-lob", nil)
	return service, sessions, wire.SessionInfo{ClientUUID: "client-1", SessionUUID: sess.SessionUUID, ConnHash: "hash-lob"}
}

func TestLobWriteChunksAccumulateAndReadBack(t *testing.T) {
	service, _, info := newLobService(t)
	ctx := context.Background()

	first, err := service.LobWrite(ctx, wire.LobWriteRequest{
		Session: info, Kind: "BLOB", Data: []byte("hello "),
	})
	require.NoError(t, err)
	require.NotNil(t, first.Lob)
	lobID := first.Lob.LobID
	require.NotEmpty(t, lobID)

	last, err := service.LobWrite(ctx, wire.LobWriteRequest{
		Session: info, LobID: lobID, Data: []byte("world"), Final: true,
	})
	require.NoError(t, err)
	assert.EqualValues(t, len("hello world"), last.Lob.Length)

	var got []byte
	err = service.LobRead(ctx, wire.LobReadRequest{Session: info, LobID: lobID}, func(res wire.OpResult) {
		require.Nil(t, res.Error)
		got = append(got, res.LobData...)
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestLobReadHonorsOffsetAndLength(t *testing.T) {
	service, _, info := newLobService(t)
	ctx := context.Background()

	res, err := service.LobWrite(ctx, wire.LobWriteRequest{
		Session: info, Kind: "BLOB", Data: []byte("0123456789"), Final: true,
	})
	require.NoError(t, err)

	var got []byte
	err = service.LobRead(ctx, wire.LobReadRequest{
		Session: info, LobID: res.Lob.LobID, Offset: 2, Length: 5,
	}, func(r wire.OpResult) { got = append(got, r.LobData...) })
	require.NoError(t, err)
	assert.Equal(t, []byte("23456"), got)
}

func TestLobStreamBracketsTermination(t *testing.T) {
	service, sessions, info := newLobService(t)
	ctx := context.Background()

	res, err := service.LobWrite(ctx, wire.LobWriteRequest{
		Session: info, Kind: "BINARY_STREAM", Data: bytes.Repeat([]byte("x"), 16),
	})
	require.NoError(t, err)

	// The final chunk closes the in-flight bracket; termination then
	// completes without waiting out the full LOB drain timeout.
	_, err = service.LobWrite(ctx, wire.LobWriteRequest{
		Session: info, LobID: res.Lob.LobID, Final: true,
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sessions.TerminateSession(ctx, session.SessionInfo{ClientUUID: info.ClientUUID, SessionUUID: info.SessionUUID})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("termination blocked on a fully produced LOB stream")
	}
}

func TestResolveLobParamsSubstitutesUploadedBytes(t *testing.T) {
	service, sessions, info := newLobService(t)
	ctx := context.Background()

	res, err := service.LobWrite(ctx, wire.LobWriteRequest{
		Session: info, Kind: "BLOB", Data: []byte("payload"), Final: true,
	})
	require.NoError(t, err)

	sess, ok := sessions.GetSession(session.SessionInfo{ClientUUID: info.ClientUUID, SessionUUID: info.SessionUUID})
	require.True(t, ok)

	params := resolveLobParams(sess, []any{
		"plain",
		map[string]any{"lobId": res.Lob.LobID, "kind": "BLOB"},
	})
	assert.Equal(t, "plain", params[0])
	assert.Equal(t, []byte("payload"), params[1])
}
