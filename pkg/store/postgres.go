package store

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/unitgrid/mastr-engine/pkg/database"
)

type postgresDialect struct{}

func (postgresDialect) Name() string { return database.DialectPostgres }

func (postgresDialect) Placeholder(i int) string { return fmt.Sprintf("$%d", i) }

func (postgresDialect) QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// undefined_column messages look like:
//
//	column "Nabenhoehe" of relation "wind_extended" does not exist
var pgColumnPattern = regexp.MustCompile(`column "([^"]+)"`)

func (postgresDialect) MissingColumn(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "42703" {
		return "", false
	}
	if m := pgColumnPattern.FindStringSubmatch(pgErr.Message); m != nil {
		return m[1], true
	}
	return "", true
}

// pgValueViolationCodes are the SQLSTATE classes raised when a value cannot
// satisfy its column: bad text representation, bad or overflowing
// datetimes/numerics, over-long strings, and check violations.
var pgValueViolationCodes = map[string]struct{}{
	"22P02": {},
	"22007": {},
	"22008": {},
	"22003": {},
	"22001": {},
	"23514": {},
}

// invalid-input messages quote the offending value last:
//
//	invalid input syntax for type timestamp: "not a date"
var pgValuePattern = regexp.MustCompile(`: "([^"]*)"$`)

func (postgresDialect) ValueViolation(err error) (string, string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", "", false
	}
	if _, ok := pgValueViolationCodes[pgErr.Code]; !ok {
		return "", "", false
	}

	value := ""
	if m := pgValuePattern.FindStringSubmatch(pgErr.Message); m != nil {
		value = m[1]
	}
	return pgErr.ColumnName, value, true
}
