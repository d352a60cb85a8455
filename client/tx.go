package client

import "context"

// Tx implements database/sql/driver.Tx over the non-XA
// commitTransaction/rollbackTransaction RPCs. It carries no transaction
// state of its own: database/sql tracks transaction identity, and BeginTx
// already recorded the server-assigned TransactionInfo on conn.session.
type Tx struct {
	conn *Conn
}

// Commit implements driver.Tx.
func (t *Tx) Commit() error {
	res, err := t.conn.transport.Call(context.Background(), t.conn.currentEndpoint(), "commitTransaction", t.conn.session)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &wireError{res.Error}
	}
	t.conn.session = res.Session
	return nil
}

// Rollback implements driver.Tx.
func (t *Tx) Rollback() error {
	res, err := t.conn.transport.Call(context.Background(), t.conn.currentEndpoint(), "rollbackTransaction", t.conn.session)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &wireError{res.Error}
	}
	t.conn.session = res.Session
	return nil
}
