package database

import (
	"strconv"
	"strings"
)

// Rebind rewrites ?-style placeholders into the form the dialect expects:
// $1..$n for postgres, unchanged for sqlite. Queries must not contain a
// literal question mark outside a placeholder position.
func Rebind(dialect, query string) string {
	if dialect != DialectPostgres || !strings.ContainsRune(query, '?') {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			sb.WriteByte(query[i])
			continue
		}
		n++
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(n))
	}
	return sb.String()
}

// Placeholders returns a comma-joined run of n ?-placeholders for IN
// clauses, to be passed through Rebind with the rest of the query.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
