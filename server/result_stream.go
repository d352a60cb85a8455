package server

import (
	"database/sql"
	"time"

	"github.com/ojp-io/ojp/session"
	"github.com/ojp-io/ojp/wire"
)

// DefaultRowBlockSize is the number of rows batched into one RowBlock,
// absent a LOB column forcing one-row-per-block mode.
const DefaultRowBlockSize = 200

// resultCursor is a partially consumed query result kept open between
// executeQuery and later fetchNextRows calls: the *sql.Rows, its column
// metadata, and the LOB-column map driving one-row-per-block mode. It is
// registered in the session's ObjectRegistry under the result-set id the
// client carries, and closed with the session.
type resultCursor struct {
	rows       *sql.Rows
	cols       []string
	typeNames  []string
	lobColumns []bool
	oneRowMode bool
	sentCols   bool
	exhausted  bool
}

func newResultCursor(rows *sql.Rows) (*resultCursor, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	c := &resultCursor{
		rows:       rows,
		cols:       cols,
		typeNames:  make([]string, len(colTypes)),
		lobColumns: make([]bool, len(colTypes)),
	}
	for i, ct := range colTypes {
		c.typeNames[i] = ct.DatabaseTypeName()
		if isLobType(c.typeNames[i]) {
			c.lobColumns[i] = true
			c.oneRowMode = true
		}
	}
	return c, nil
}

// Close releases the underlying rows; called by session termination via
// the ObjectRegistry sweep or when the cursor is exhausted.
func (c *resultCursor) Close() error { return c.rows.Close() }

// emitBlocks streams up to maxRows rows (0 = until exhausted) as
// wire.OpResult row blocks, the first block overall carrying the column
// list, the last emitted block carrying Final. Rows left unread stay on the
// cursor for a later fetchNextRows; the returned error is the first scan or
// iteration failure.
func (c *resultCursor) emitBlocks(registry *session.ObjectRegistry, blockSize, maxRows int, emit func(wire.OpResult)) error {
	if blockSize <= 0 {
		blockSize = DefaultRowBlockSize
	}
	if c.oneRowMode {
		blockSize = 1
	}

	block := &wire.RowBlock{}
	if !c.sentCols {
		block.Columns = c.cols
		c.sentCols = true
	}
	emitted := false

	flush := func(final bool) {
		emit(wire.OpResult{Rows: block, Final: final})
		block = &wire.RowBlock{}
		emitted = true
	}

	scanDest := make([]any, len(c.cols))
	rawValues := make([]any, len(c.cols))
	for i := range scanDest {
		scanDest[i] = &rawValues[i]
	}

	sent := 0
	for !c.exhausted && (maxRows <= 0 || sent < maxRows) {
		if !c.rows.Next() {
			c.exhausted = true
			break
		}
		if err := c.rows.Scan(scanDest...); err != nil {
			return err
		}

		row := make([]any, len(c.cols))
		for i, v := range rawValues {
			if c.lobColumns[i] {
				row[i] = externalizeLob(registry, v, c.typeNames[i])
				continue
			}
			row[i] = convertDatabaseValue(v)
		}
		block.Rows = append(block.Rows, row)
		sent++

		if len(block.Rows) >= blockSize && (maxRows <= 0 || sent < maxRows) {
			flush(false)
		}
	}
	if c.exhausted {
		if err := c.rows.Err(); err != nil {
			return err
		}
		c.rows.Close()
	}

	if len(block.Rows) > 0 || !emitted || block.Columns != nil {
		flush(true)
	}
	return nil
}

// StreamRows drains rows completely into wire.OpResult blocks, for
// callers that never need an open cursor afterward.
func StreamRows(rows *sql.Rows, registry *session.ObjectRegistry, blockSize int, emit func(wire.OpResult)) error {
	cur, err := newResultCursor(rows)
	if err != nil {
		return err
	}
	return cur.emitBlocks(registry, blockSize, 0, emit)
}

// convertDatabaseValue normalizes a database/sql scanned value into a
// JSON-marshalable one: []byte becomes a string, time.Time is left as-is
// for encoding/json's RFC3339 marshaling, everything else passes through.
func convertDatabaseValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val
	default:
		return val
	}
}

// isLobType reports whether a backend column type name denotes a large
// object that should be externalized rather than inlined in a row.
func isLobType(dbType string) bool {
	switch dbType {
	case "BLOB", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB",
		"CLOB", "TEXT", "LONGTEXT", "MEDIUMTEXT", "TINYTEXT",
		"BINARY", "VARBINARY":
		return true
	default:
		return false
	}
}

// externalizeLob registers the raw LOB bytes under the session's object
// registry and returns a wire.LobRef in their place. Registering the raw
// bytes (rather than a streaming cursor) is sufficient for the backends
// this server targets, whose drivers already materialize LOB columns
// in-memory on Scan.
func externalizeLob(registry *session.ObjectRegistry, v any, dbType string) wire.LobRef {
	data, _ := v.([]byte)
	id := registry.RegisterLob(data)

	kind := "BINARY_STREAM"
	switch dbType {
	case "BLOB", "LONGBLOB", "MEDIUMBLOB", "TINYBLOB", "BINARY", "VARBINARY":
		kind = "BLOB"
	case "CLOB", "TEXT", "LONGTEXT", "MEDIUMTEXT", "TINYTEXT":
		kind = "CLOB"
	}

	return wire.LobRef{LobID: id, Kind: kind, Length: int64(len(data))}
}
