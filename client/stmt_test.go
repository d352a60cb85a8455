package client

import (
	"database/sql/driver"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountPlaceholders(t *testing.T) {
	assert.Equal(t, 2, countPlaceholders("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, 0, countPlaceholders("SELECT * FROM t WHERE name = '?'"), "? inside a string literal doesn't count")
	assert.Equal(t, 1, countPlaceholders("SELECT * FROM t WHERE name = 'it''s' AND a = ?"))
}

func TestNamedValuesToParamsConvertsLobRefs(t *testing.T) {
	params := namedValuesToParams([]driver.NamedValue{
		{Ordinal: 1, Value: "plain"},
		{Ordinal: 2, Value: &LobRef{LobID: "lob-1", Kind: "BLOB", Length: 7}},
	})

	assert.Equal(t, "plain", params[0])
	ref, ok := params[1].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "lob-1", ref["lobId"])
}
