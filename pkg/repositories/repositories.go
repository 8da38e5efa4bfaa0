// Package repositories implements data access for the unit ledger, the
// pending fetch obligations, and the missed-fetch log. Every repository
// binds to a database.Querier at construction, so callers decide whether
// it runs against the pool or inside an open transaction.
package repositories

// insertBatchRows caps rows per INSERT statement and inClauseLimit caps
// ids per IN list, keeping bind-parameter counts well inside both
// dialects' limits.
const (
	insertBatchRows = 500
	inClauseLimit   = 1000
)

// rowScanner is the Scan subset shared by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
