package client

import (
	"database/sql/driver"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowsIteration(t *testing.T) {
	rows := &Rows{
		columns: []string{"id", "name"},
		blocks:  [][]any{{float64(1), "alice"}, {float64(2), "bob"}},
	}
	assert.Equal(t, []string{"id", "name"}, rows.Columns())

	dest := make([]driver.Value, 2)
	require.NoError(t, rows.Next(dest))
	assert.Equal(t, float64(1), dest[0])
	assert.Equal(t, "alice", dest[1])

	require.NoError(t, rows.Next(dest))
	assert.Equal(t, "bob", dest[1])

	assert.Equal(t, io.EOF, rows.Next(dest))
}

func TestConvertCellPassesThroughPlainValues(t *testing.T) {
	assert.Equal(t, "hello", convertCell("hello"))
	assert.Equal(t, float64(42), convertCell(float64(42)))
	assert.Nil(t, convertCell(nil))
}

func TestConvertCellDetectsLobRef(t *testing.T) {
	v := convertCell(map[string]any{"lobId": "lob-123", "kind": "BLOB", "length": float64(4096)})
	ref, ok := v.(*LobRef)
	require.True(t, ok)
	assert.Equal(t, "lob-123", ref.LobID)
	assert.Equal(t, "BLOB", ref.Kind)
	assert.Equal(t, int64(4096), ref.Length)
}

func TestConvertCellIgnoresUnrelatedMaps(t *testing.T) {
	v := convertCell(map[string]any{"foo": "bar"})
	_, isMap := v.(map[string]any)
	assert.True(t, isMap, "a map with no lobId passes through unchanged")
}
