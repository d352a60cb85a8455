package pool

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/ojp-io/ojp/xidkey"
)

// MySQLConfigurator is the dedicated BackendConfigurator for MySQL, built
// directly on go-sql-driver/mysql's own Config/FormatDSN rather than the
// generic reflective fallback, since MySQL is OJP's reference backend.
type MySQLConfigurator struct{}

func (MySQLConfigurator) Name() string { return "mysql" }

func (MySQLConfigurator) BuildDSN(cfg DatasourceConfig, props map[string]string) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}
	c := mysqldriver.NewConfig()
	c.User = props["user"]
	c.Passwd = props["password"]
	c.Net = "tcp"
	c.Addr = props["host"]
	c.DBName = props["database"]
	c.ParseTime = true
	c.AllowNativePasswords = true
	return c.FormatDSN(), nil
}

func init() {
	RegisterBackendConfigurator(MySQLConfigurator{})
}

// mysqlXAResource drives MySQL's SQL-level XA support ("XA START" / "XA
// END" / "XA PREPARE" / "XA COMMIT" / "XA ROLLBACK" / "XA RECOVER") over a
// single backend connection, since go-sql-driver/mysql exposes no native
// XA API beyond the plain SQL statements MySQL itself defines.
type mysqlXAResource struct {
	conn    *sql.Conn
	timeout int
}

// NewMySQLXAResource adapts a raw backend connection into an XAResource
// using MySQL's SQL-level XA statements.
func NewMySQLXAResource(conn *sql.Conn) (XAResource, error) {
	return &mysqlXAResource{conn: conn}, nil
}

func xidLiteral(xid xidkey.Xid) string {
	return fmt.Sprintf("0x%s,0x%s,%d", hex.EncodeToString(xid.GlobalTxID), hex.EncodeToString(xid.BranchQualifier), xid.FormatID)
}

func (r *mysqlXAResource) Start(ctx context.Context, xid xidkey.Xid, flags int32) error {
	suffix := ""
	if flags&xaFlagJoin != 0 {
		suffix = " JOIN"
	} else if flags&xaFlagResume != 0 {
		suffix = " RESUME"
	}
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA START %s%s", xidLiteral(xid), suffix))
	return err
}

func (r *mysqlXAResource) End(ctx context.Context, xid xidkey.Xid, flags int32) error {
	suffix := ""
	if flags&xaFlagSuspend != 0 {
		suffix = " SUSPEND"
	}
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA END %s%s", xidLiteral(xid), suffix))
	return err
}

func (r *mysqlXAResource) Prepare(ctx context.Context, xid xidkey.Xid) (bool, error) {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA PREPARE %s", xidLiteral(xid)))
	return false, err
}

func (r *mysqlXAResource) Commit(ctx context.Context, xid xidkey.Xid, onePhase bool) error {
	suffix := ""
	if onePhase {
		suffix = " ONE PHASE"
	}
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA COMMIT %s%s", xidLiteral(xid), suffix))
	return err
}

func (r *mysqlXAResource) Rollback(ctx context.Context, xid xidkey.Xid) error {
	_, err := r.conn.ExecContext(ctx, fmt.Sprintf("XA ROLLBACK %s", xidLiteral(xid)))
	return err
}

func (r *mysqlXAResource) Recover(ctx context.Context, flags int32) ([]xidkey.Xid, error) {
	rows, err := r.conn.QueryContext(ctx, "XA RECOVER")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []xidkey.Xid
	for rows.Next() {
		var formatID, gtridLen, bqualLen int32
		var data string
		if err := rows.Scan(&formatID, &gtridLen, &bqualLen, &data); err != nil {
			return nil, err
		}
		out = append(out, xidkey.Xid{
			FormatID:        formatID,
			GlobalTxID:      []byte(data[:gtridLen]),
			BranchQualifier: []byte(data[gtridLen : gtridLen+bqualLen]),
		})
	}
	return out, rows.Err()
}

func (r *mysqlXAResource) IsSameRM(other XAResource) bool {
	o, ok := other.(*mysqlXAResource)
	return ok && o != nil
}

func (r *mysqlXAResource) SetTransactionTimeout(seconds int) error {
	r.timeout = seconds
	return nil
}

func (r *mysqlXAResource) GetTransactionTimeout() (int, error) {
	return r.timeout, nil
}

// XA join/resume/suspend flag bits, mirrored from the javax.transaction.xa.XAResource
// constants the wire protocol carries.
const (
	xaFlagJoin    int32 = 1 << 21
	xaFlagResume  int32 = 1 << 27
	xaFlagSuspend int32 = 1 << 25
)
