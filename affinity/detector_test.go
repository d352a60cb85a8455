package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectFlagsAffinityStatements(t *testing.T) {
	cases := []string{
		"CREATE TEMPORARY TABLE scratch (id INT)",
		"  create global temp table scratch (id int)",
		"CREATE LOCAL TEMP TABLE t (id INT)",
		"DECLARE GLOBAL TEMPORARY TABLE t (id INT)",
		"SET @myvar = 1",
		"SET SESSION sql_mode = 'STRICT_ALL_TABLES'",
		"set local statement_timeout = 1000",
		"PREPARE stmt1 FROM 'SELECT 1'",
		"CREATE TABLE #localtemp (id INT)",
	}
	for _, sql := range cases {
		assert.True(t, Detect(sql), "expected affinity flag for: %s", sql)
	}
}

func TestDetectDoesNotFlagOrdinaryStatements(t *testing.T) {
	cases := []string{
		"SELECT * FROM users WHERE id = 1",
		"SET x = y",
		"SET sql_mode = 'STRICT_ALL_TABLES'",
		"CREATE TABLE ##globaltemp (id INT)", // double-hash global temp table, explicitly not flagged
		"INSERT INTO t (a) VALUES (1)",
		"UPDATE t SET a = 1 WHERE id = 2",
	}
	for _, sql := range cases {
		assert.False(t, Detect(sql), "did not expect affinity flag for: %s", sql)
	}
}

func TestDetectIgnoresLeadingWhitespaceOnly(t *testing.T) {
	assert.True(t, Detect("\n\t  SET SESSION foo = 1"))
}

func TestDetectAffinityReason(t *testing.T) {
	assert.Equal(t, "set-user-variable", DetectAffinityReason("SET @x = 1"))
	assert.Equal(t, "", DetectAffinityReason("SELECT 1"))
}
