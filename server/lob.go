package server

import (
	"context"
	"sync"

	"github.com/ojp-io/ojp/errs"
	"github.com/ojp-io/ojp/session"
	"github.com/ojp-io/ojp/wire"
)

// lobChunkSize bounds how many bytes one lobRead reply message carries.
const lobChunkSize = 256 * 1024

// lobUpload accumulates a client-streamed LOB until the final chunk marks
// it fully produced. The done flag flips on that final chunk, which is when
// LobWrite closes the session's in-flight stream bracket that session
// termination's LOB-drain wait observes.
type lobUpload struct {
	mu   sync.Mutex
	kind string
	data []byte
	done bool
}

func (u *lobUpload) append(chunk []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.data = append(u.data, chunk...)
}

func (u *lobUpload) bytes() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data
}

// LobWrite handles one chunk of the LOB upload stream. The first
// chunk (empty LobID) allocates the LOB and brackets the session's
// in-flight stream count; the Final chunk closes the bracket so session
// termination stops waiting on it.
func (s *StatementService) LobWrite(ctx context.Context, req wire.LobWriteRequest) (wire.OpResult, error) {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		err := errs.Protocol("no such session")
		return errResult(req.Session, err), err
	}
	sess.Touch()

	var upload *lobUpload
	lobID := req.LobID
	if lobID == "" {
		upload = &lobUpload{kind: req.Kind}
		lobID = sess.Registry.RegisterLob(upload)
		sess.BeginLobStream()
	} else {
		obj, ok := sess.Registry.GetLob(lobID)
		if !ok {
			err := errs.Protocol("no such lob")
			return errResult(req.Session, err), err
		}
		upload, ok = obj.(*lobUpload)
		if !ok {
			err := errs.Protocol("lob is not writable")
			return errResult(req.Session, err), err
		}
	}

	upload.append(req.Data)

	if req.Final {
		upload.mu.Lock()
		alreadyDone := upload.done
		upload.done = true
		upload.mu.Unlock()
		if !alreadyDone {
			sess.EndLobStream()
		}
	}

	return wire.OpResult{
		Session: req.Session,
		Lob:     &wire.LobRef{LobID: lobID, Kind: upload.kind, Length: int64(len(upload.bytes()))},
		Final:   true,
	}, nil
}

// LobRead serves the LOB download stream: the externalized bytes
// behind a LobRef, chunked into OpResult.LobData messages.
func (s *StatementService) LobRead(ctx context.Context, req wire.LobReadRequest, emit func(wire.OpResult)) error {
	sess, ok := s.sessions.GetSession(toSessionKey(req.Session))
	if !ok {
		err := errs.Protocol("no such session")
		emit(errResult(req.Session, err))
		return err
	}
	sess.Touch()

	obj, ok := sess.Registry.GetLob(req.LobID)
	if !ok {
		err := errs.Protocol("no such lob")
		emit(errResult(req.Session, err))
		return err
	}

	data, err := lobBytes(obj)
	if err != nil {
		emit(errResult(req.Session, err))
		return err
	}

	if req.Offset > 0 {
		if req.Offset >= int64(len(data)) {
			data = nil
		} else {
			data = data[req.Offset:]
		}
	}
	if req.Length > 0 && req.Length < int64(len(data)) {
		data = data[:req.Length]
	}

	for {
		chunk := data
		if len(chunk) > lobChunkSize {
			chunk = chunk[:lobChunkSize]
		}
		data = data[len(chunk):]
		emit(wire.OpResult{Session: req.Session, LobData: chunk, Final: len(data) == 0})
		if len(data) == 0 {
			return nil
		}
	}
}

// lobBytes flattens the registry's two LOB representations: raw []byte for
// result-column externalization, *lobUpload for client-streamed writes.
func lobBytes(obj any) ([]byte, error) {
	switch v := obj.(type) {
	case []byte:
		return v, nil
	case *lobUpload:
		return v.bytes(), nil
	default:
		return nil, errs.Protocol("lob has no readable representation")
	}
}

// resolveLobParams substitutes any LobRef-shaped bind parameter with the
// uploaded bytes it references, so an INSERT can bind a LOB the client
// streamed up separately instead of inlining it in the statement request.
func resolveLobParams(sess *session.Session, params []any) []any {
	for i, p := range params {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		id, ok := m["lobId"].(string)
		if !ok {
			continue
		}
		obj, ok := sess.Registry.GetLob(id)
		if !ok {
			continue
		}
		if data, err := lobBytes(obj); err == nil {
			params[i] = data
		}
	}
	return params
}
