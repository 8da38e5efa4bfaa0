package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/models"
)

// maxStatementParams caps bind parameters per statement. Postgres allows
// 65535 and modernc sqlite 32766; staying under both keeps batch sizing
// dialect-independent.
const maxStatementParams = 30000

// Adapter executes schema-tolerant writes against either dialect. It
// batches inserts, classifies failures through the Dialect, and isolates
// bad rows by bisection so one rejected record never sinks a batch.
//
// When the Querier is a *sql.Tx every attempt runs inside a savepoint.
// Postgres aborts the whole transaction on any statement error, so
// without the savepoint a single bad row would poison the chunk.
type Adapter struct {
	dialect Dialect
	logger  *zap.Logger
	spSeq   atomic.Uint64
}

func NewAdapter(dialectName string, logger *zap.Logger) (*Adapter, error) {
	dialect, err := ForDialect(dialectName)
	if err != nil {
		return nil, err
	}
	return &Adapter{dialect: dialect, logger: logger.Named("store")}, nil
}

// InsertMany writes rows to table using multi-row INSERT statements sized
// to the parameter cap. The column set is the union over all rows; rows
// missing a column store NULL there.
//
// A reference to a column the table lacks aborts the whole call with a
// *MissingColumnError so the caller can evolve the table and resubmit.
// Any other statement failure narrows by halving until the offending rows
// are isolated one by one in the report; the call itself still succeeds.
func (a *Adapter) InsertMany(ctx context.Context, q database.Querier, table string, rows []models.RawRecord) (*WriteReport, error) {
	report := &WriteReport{}
	if len(rows) == 0 {
		return report, nil
	}

	cols := columnUnion(rows)
	perStmt := maxStatementParams / len(cols)
	if perStmt < 1 {
		perStmt = 1
	}

	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}
		sub, err := a.writeChunk(ctx, q, table, cols, rows[start:end])
		if err != nil {
			return nil, err
		}
		report.merge(sub)
	}
	return report, nil
}

func (a *Adapter) writeChunk(ctx context.Context, q database.Querier, table string, cols []string, rows []models.RawRecord) (*WriteReport, error) {
	err := a.attempt(ctx, q, func() error {
		stmt := a.buildInsert(table, cols, len(rows))
		_, execErr := q.ExecContext(ctx, stmt, flattenArgs(cols, rows)...)
		return execErr
	})
	if err == nil {
		return &WriteReport{Written: len(rows)}, nil
	}

	if column, ok := a.dialect.MissingColumn(err); ok {
		return nil, &MissingColumnError{Table: table, Column: column, Err: err}
	}
	if len(rows) == 1 {
		return &WriteReport{Failed: []FailedRow{a.classifyRow(table, rows[0], err)}}, nil
	}

	mid := len(rows) / 2
	left, err := a.writeChunk(ctx, q, table, cols, rows[:mid])
	if err != nil {
		return nil, err
	}
	right, err := a.writeChunk(ctx, q, table, cols, rows[mid:])
	if err != nil {
		return nil, err
	}
	left.merge(right)
	return left, nil
}

// Merge inserts the row or, when a row with the same key already exists,
// overwrites every non-key column with the incoming values.
func (a *Adapter) Merge(ctx context.Context, q database.Querier, table, keyColumn string, row models.RawRecord) error {
	if _, ok := row[keyColumn]; !ok {
		return fmt.Errorf("record for table %s has no value for key column %q", table, keyColumn)
	}

	cols := columnUnion([]models.RawRecord{row})

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(a.dialect.QuoteIdent(table))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.dialect.QuoteIdent(col))
	}
	sb.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.dialect.Placeholder(i + 1))
	}
	sb.WriteString(") ON CONFLICT (")
	sb.WriteString(a.dialect.QuoteIdent(keyColumn))
	sb.WriteString(")")

	assignments := 0
	for _, col := range cols {
		if col == keyColumn {
			continue
		}
		if assignments == 0 {
			sb.WriteString(" DO UPDATE SET ")
		} else {
			sb.WriteString(", ")
		}
		quoted := a.dialect.QuoteIdent(col)
		sb.WriteString(quoted)
		sb.WriteString(" = excluded.")
		sb.WriteString(quoted)
		assignments++
	}
	if assignments == 0 {
		sb.WriteString(" DO NOTHING")
	}

	err := a.attempt(ctx, q, func() error {
		_, execErr := q.ExecContext(ctx, sb.String(), flattenArgs(cols, []models.RawRecord{row})...)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to merge into %s: %w", table, err)
	}
	return nil
}

// MissingColumn reports whether err, possibly wrapped, means a referenced
// column does not exist, and which one.
func (a *Adapter) MissingColumn(err error) (string, bool) {
	var missing *MissingColumnError
	if errors.As(err, &missing) {
		return missing.Column, true
	}
	return a.dialect.MissingColumn(err)
}

// ValueViolation reports whether err means a value in row could not
// satisfy a column constraint. When the store's error names only the
// value, the column is recovered from the row; the recovered name may
// still be empty if the value is ambiguous.
func (a *Adapter) ValueViolation(err error, row models.RawRecord) (string, bool) {
	column, value, ok := a.dialect.ValueViolation(err)
	if !ok {
		return "", false
	}
	if column == "" && value != "" {
		column = columnForValue(row, value)
	}
	return column, true
}

// DeleteAll clears the table and reports how many rows were removed.
func (a *Adapter) DeleteAll(ctx context.Context, q database.Querier, table string) (int64, error) {
	res, err := q.ExecContext(ctx, "DELETE FROM "+a.dialect.QuoteIdent(table))
	if err != nil {
		return 0, fmt.Errorf("failed to clear table %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared rows for %s: %w", table, err)
	}
	return n, nil
}

// AddColumn widens the table with a nullable text column. Text keeps the
// statement valid on both dialects and matches how raw records arrive.
func (a *Adapter) AddColumn(ctx context.Context, q database.Querier, table, column string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT NULL",
		a.dialect.QuoteIdent(table), a.dialect.QuoteIdent(column))
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}
	a.logger.Info("added column", zap.String("table", table), zap.String("column", column))
	return nil
}

// attempt runs fn, wrapped in a savepoint when q is a transaction so a
// failed statement leaves the transaction usable.
func (a *Adapter) attempt(ctx context.Context, q database.Querier, fn func() error) error {
	tx, ok := q.(*sql.Tx)
	if !ok {
		return fn()
	}

	name := fmt.Sprintf("sp_%d", a.spSeq.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
		}
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			a.logger.Warn("failed to release savepoint", zap.String("savepoint", name), zap.Error(relErr))
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (a *Adapter) classifyRow(table string, row models.RawRecord, err error) FailedRow {
	failed := FailedRow{Row: row, Kind: FaultOther, Err: err}
	if column, value, ok := a.dialect.ValueViolation(err); ok {
		failed.Kind = FaultBadValue
		failed.Column = column
		failed.Value = value
		// Postgres does not name the column on cast failures, only the
		// value; recover the column when the value occurs exactly once.
		if failed.Column == "" && failed.Value != "" {
			failed.Column = columnForValue(row, failed.Value)
		}
	}
	a.logger.Warn("row rejected by store",
		zap.String("table", table),
		zap.String("kind", string(failed.Kind)),
		zap.String("column", failed.Column),
		zap.Error(err))
	return failed
}

func (a *Adapter) buildInsert(table string, cols []string, rowCount int) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(a.dialect.QuoteIdent(table))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(a.dialect.QuoteIdent(col))
	}
	sb.WriteString(") VALUES ")
	param := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range cols {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.dialect.Placeholder(param))
			param++
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

// columnForValue finds the column holding value. Ambiguity yields "",
// leaving the row to be dropped rather than half-cleared.
func columnForValue(row models.RawRecord, value string) string {
	match := ""
	for col, v := range row {
		s, ok := v.(string)
		if !ok || s != value {
			continue
		}
		if match != "" {
			return ""
		}
		match = col
	}
	return match
}

func columnUnion(rows []models.RawRecord) []string {
	seen := make(map[string]struct{})
	cols := make([]string, 0, len(rows[0]))
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; ok {
				continue
			}
			seen[col] = struct{}{}
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)
	return cols
}

func flattenArgs(cols []string, rows []models.RawRecord) []any {
	args := make([]any, 0, len(cols)*len(rows))
	for _, row := range rows {
		for _, col := range cols {
			args = append(args, row[col])
		}
	}
	return args
}
