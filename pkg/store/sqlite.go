package store

import (
	"strings"

	"github.com/unitgrid/mastr-engine/pkg/database"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return database.DialectSQLite }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// SQLite reports a missing column as:
//
//	table wind_extended has no column named Nabenhoehe
func (sqliteDialect) MissingColumn(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	_, after, found := strings.Cut(msg, "has no column named ")
	if !found {
		return "", false
	}
	// The driver may append a parenthesized result code.
	column := strings.TrimSpace(after)
	if i := strings.LastIndex(column, " ("); i > 0 {
		column = column[:i]
	}
	return column, true
}

// STRICT tables reject mistyped values as:
//
//	cannot store TEXT value in INTEGER column wind_extended.Rotordurchmesser
//
// CHECK violations read "CHECK constraint failed: <name>". Neither form
// carries the offending value.
func (sqliteDialect) ValueViolation(err error) (string, string, bool) {
	if err == nil {
		return "", "", false
	}
	msg := err.Error()

	if _, after, found := strings.Cut(msg, " column "); found && strings.Contains(msg, "cannot store ") {
		column := strings.TrimSpace(after)
		if i := strings.LastIndex(column, " ("); i > 0 {
			column = column[:i]
		}
		if i := strings.LastIndex(column, "."); i >= 0 {
			column = column[i+1:]
		}
		return column, "", true
	}

	if strings.Contains(msg, "CHECK constraint failed") {
		return "", "", true
	}

	return "", "", false
}
