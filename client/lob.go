package client

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ojp-io/ojp/wire"
)

// lobUploadChunkSize bounds how many bytes one lobWrite request carries.
const lobUploadChunkSize = 256 * 1024

// rawConn pins the *Conn behind a pooled sql.Conn so LOB traffic rides the
// same session (and sticky endpoint) as the statements referencing it.
func rawConn(dbConn *sql.Conn) (*Conn, error) {
	var c *Conn
	err := dbConn.Raw(func(raw any) error {
		ojpConn, ok := raw.(*Conn)
		if !ok {
			return errors.New("ojp: connection was not opened with the ojp driver")
		}
		c = ojpConn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReadLob downloads the bytes behind a LobRef a result row surfaced,
// streaming chunks over the LOB download operation. dbConn must be the
// same pooled connection the row was read on; LOBs are session-scoped.
func ReadLob(ctx context.Context, dbConn *sql.Conn, ref *LobRef) ([]byte, error) {
	c, err := rawConn(dbConn)
	if err != nil {
		return nil, err
	}

	req := wire.LobReadRequest{Session: c.session, LobID: ref.LobID}

	var data []byte
	var lobErr error
	err = c.transport.CallStream(ctx, c.currentEndpoint(), "lobRead", req, func(res wire.OpResult) bool {
		if res.Error != nil {
			lobErr = &wireError{res.Error}
			return false
		}
		data = append(data, res.LobData...)
		return true
	})
	if err != nil {
		return nil, err
	}
	if lobErr != nil {
		return nil, lobErr
	}
	return data, nil
}

// WriteLob uploads data as a session-scoped LOB in chunks and returns the
// LobRef to bind as a statement parameter (pass the ref as a bind arg; the
// server substitutes the uploaded bytes). kind is "BLOB", "CLOB" or
// "BINARY_STREAM".
func WriteLob(ctx context.Context, dbConn *sql.Conn, kind string, data []byte) (*LobRef, error) {
	c, err := rawConn(dbConn)
	if err != nil {
		return nil, err
	}
	endpoint := c.currentEndpoint()

	lobID := ""
	remaining := data
	for {
		chunk := remaining
		if len(chunk) > lobUploadChunkSize {
			chunk = chunk[:lobUploadChunkSize]
		}
		remaining = remaining[len(chunk):]

		req := wire.LobWriteRequest{
			Session: c.session,
			LobID:   lobID,
			Kind:    kind,
			Data:    chunk,
			Final:   len(remaining) == 0,
		}
		res, err := c.transport.Call(ctx, endpoint, "lobWrite", req)
		if err != nil {
			return nil, err
		}
		if res.Error != nil {
			return nil, &wireError{res.Error}
		}
		if res.Lob != nil {
			lobID = res.Lob.LobID
		}
		if len(remaining) == 0 {
			if res.Lob == nil {
				return &LobRef{LobID: lobID, Kind: kind, Length: int64(len(data))}, nil
			}
			return &LobRef{LobID: res.Lob.LobID, Kind: res.Lob.Kind, Length: res.Lob.Length}, nil
		}
	}
}
