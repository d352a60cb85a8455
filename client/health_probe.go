package client

import (
	"context"
	"time"

	"github.com/ojp-io/ojp/wire"
)

// NewHealthValidator builds the validate callback MultinodeConnectionManager
// uses to probe a recovering endpoint: a validation connection plus an
// optional health query, both bounded by the health-check timeout. The
// probe rides the real connect+executeQuery actions so it exercises the
// production code path instead of a side channel.
func NewHealthValidator(transport *Transport, details func() wire.ConnectionDetails, query string) func(ctx context.Context, endpoint string, timeout time.Duration) error {
	return func(ctx context.Context, endpoint string, timeout time.Duration) error {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req := struct {
			Session wire.SessionInfo       `json:"session"`
			Details wire.ConnectionDetails `json:"details"`
		}{Details: details()}
		req.Details.IsXA = false

		res, err := transport.Call(probeCtx, endpoint, "connect", req)
		if err != nil {
			return err
		}
		if res.Error != nil {
			return &wireError{res.Error}
		}

		defer transport.Call(context.Background(), endpoint, "terminateSession", res.Session) //nolint:errcheck

		if query == "" {
			return nil
		}

		stmtReq := wire.StatementRequest{Session: res.Session, SQL: query}
		var queryErr error
		_ = transport.CallStream(probeCtx, endpoint, "executeQuery", stmtReq, func(r wire.OpResult) bool {
			if r.Error != nil {
				queryErr = &wireError{r.Error}
			}
			return true
		})
		return queryErr
	}
}

// wireError adapts a wire.ErrorInfo trailer into a Go error for callers
// that only need Error() (the health probe discards the structured
// detail, it only cares whether the probe succeeded).
type wireError struct{ info *wire.ErrorInfo }

func (e *wireError) Error() string { return e.info.Kind + ": " + e.info.Message }
