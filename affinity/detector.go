// Package affinity implements the session-affinity pre-classifier: a
// structural scan of the leading characters of a SQL statement that flags
// statements introducing server-local state, which therefore require the
// rest of the session to stick to the same backend connection.
package affinity

import (
	"regexp"
	"strings"
)

// scanWindow bounds how much of the statement is inspected; affinity-
// relevant clauses always appear at the very start of a statement.
const scanWindow = 200

var patterns = []*regexp.Regexp{
	// CREATE [GLOBAL|LOCAL] TEMP[ORARY] TABLE
	regexp.MustCompile(`(?i)^\s*CREATE\s+(GLOBAL\s+|LOCAL\s+)?TEMP(ORARY)?\s+TABLE\b`),
	// DECLARE GLOBAL TEMPORARY TABLE
	regexp.MustCompile(`(?i)^\s*DECLARE\s+GLOBAL\s+TEMPORARY\s+TABLE\b`),
	// SET @var  (user variable assignment)
	regexp.MustCompile(`(?i)^\s*SET\s+@`),
	// SET SESSION ... / SET LOCAL ...
	regexp.MustCompile(`(?i)^\s*SET\s+(SESSION|LOCAL)\b`),
	// PREPARE ... FROM ...
	regexp.MustCompile(`(?i)^\s*PREPARE\s+\S+\s+FROM\b`),
}

// sqlServerTempTable matches `CREATE TABLE #name` but deliberately not
// `##name` (a global temp table in SQL Server, which is visible across
// sessions and therefore does not require affinity).
var sqlServerTempTable = regexp.MustCompile(`(?i)^\s*CREATE\s+TABLE\s+#[^#]`)

// Detect reports whether sql introduces server-local state requiring
// session affinity. Only the first scanWindow characters of the
// (case-insensitive) statement are inspected, with leading whitespace
// skipped; the detector is purely structural and does not parse comments.
//
// Bare `SET x = y` is deliberately NOT flagged: it is ambiguous with
// setting a global server setting, and flagging it would pin far more
// sessions than necessary. Left for operator review rather than changed.
func Detect(sql string) bool {
	window := sql
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}

	if sqlServerTempTable.MatchString(window) {
		return true
	}
	for _, p := range patterns {
		if p.MatchString(window) {
			return true
		}
	}
	return false
}

// DetectAffinityReason returns a short tag for which pattern matched, or
// an empty string if none did. Useful for logging why a session was
// pinned.
func DetectAffinityReason(sql string) string {
	window := sql
	if len(window) > scanWindow {
		window = window[:scanWindow]
	}
	trimmed := strings.TrimSpace(window)

	switch {
	case sqlServerTempTable.MatchString(window):
		return "sqlserver-temp-table"
	case patterns[0].MatchString(window):
		return "create-temp-table"
	case patterns[1].MatchString(window):
		return "declare-global-temporary-table"
	case patterns[2].MatchString(window):
		return "set-user-variable"
	case patterns[3].MatchString(window):
		return "set-session-or-local"
	case patterns[4].MatchString(window):
		return "prepare-from"
	case trimmed == "":
		return ""
	default:
		return ""
	}
}
