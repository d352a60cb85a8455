package client

import (
	"database/sql/driver"
	"io"
)

// Rows implements database/sql/driver.Rows over the accumulated row
// blocks of a streamed executeQuery/fetchNextRows reply, with a
// LobRef-aware value conversion since result rows externalize large
// columns.
type Rows struct {
	columns []string
	blocks  [][]any
	pos     int
	err     error
}

// Columns implements driver.Rows.
func (r *Rows) Columns() []string { return r.columns }

// Close implements driver.Rows.
func (r *Rows) Close() error { return nil }

// Next implements driver.Rows, converting each cell to a
// database/sql/driver-acceptable value. LOB columns arrive as a JSON
// object matching wire.LobRef's shape (externalized); this
// is surfaced as a *LobRef so callers can fetch the bytes separately
// instead of paying to inline them in every row.
func (r *Rows) Next(dest []driver.Value) error {
	if r.pos >= len(r.blocks) {
		return io.EOF
	}
	row := r.blocks[r.pos]
	r.pos++

	for i, v := range row {
		dest[i] = convertCell(v)
	}
	return nil
}

// LobRef is the client-visible externalized LOB pointer, mirroring
// wire.LobRef but decoded from the generic `any` a JSON row cell arrives
// as.
type LobRef struct {
	LobID  string
	Kind   string
	Length int64
}

func convertCell(v any) driver.Value {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	id, hasID := m["lobId"].(string)
	if !hasID {
		return v
	}
	ref := &LobRef{LobID: id}
	if kind, ok := m["kind"].(string); ok {
		ref.Kind = kind
	}
	if length, ok := m["length"].(float64); ok {
		ref.Length = int64(length)
	}
	return ref
}
