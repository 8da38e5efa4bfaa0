// Package store provides the row-oriented write primitives every feed goes
// through: batched inserts with row-level fault isolation, merge upserts,
// table clears, and the one runtime schema change the system performs
// (adding a missing column). All operations are dialect-parameterized so
// the same adapter serves SQLite and PostgreSQL.
package store

import (
	"fmt"

	"github.com/unitgrid/mastr-engine/pkg/database"
)

// Dialect abstracts the SQL differences between the supported stores,
// including the classification of write errors the loader recovers from.
type Dialect interface {
	Name() string
	// Placeholder returns the parameter marker for 1-based position i.
	Placeholder(i int) string
	QuoteIdent(name string) string
	// MissingColumn reports whether err means the target table lacks a
	// column the statement referenced, and which one.
	MissingColumn(err error) (column string, ok bool)
	// ValueViolation reports whether err means a value could not satisfy
	// a column constraint. Column and value are best-effort: either may
	// be empty when the store's error carries no usable detail.
	ValueViolation(err error) (column, value string, ok bool)
}

// ForDialect returns the Dialect for a database dialect name.
func ForDialect(name string) (Dialect, error) {
	switch name {
	case database.DialectPostgres:
		return postgresDialect{}, nil
	case database.DialectSQLite:
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", name)
	}
}
