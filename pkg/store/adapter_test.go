package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/models"
)

func newSQLiteDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), &database.Config{DSN: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(database.DialectSQLite, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	return adapter
}

func countRows(t *testing.T, db *database.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM "`+table+`"`).Scan(&n); err != nil {
		t.Fatalf("failed to count rows in %s: %v", table, err)
	}
	return n
}

func TestInsertMany_UnionOfColumns(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	if _, err := db.ExecContext(ctx, `CREATE TABLE plants ("EinheitMastrNummer" TEXT, "Name" TEXT, "Ort" TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	rows := []models.RawRecord{
		{"EinheitMastrNummer": "SEE1", "Name": "Anlage Nord"},
		{"EinheitMastrNummer": "SEE2", "Ort": "Kiel"},
	}
	report, err := adapter.InsertMany(ctx, db, "plants", rows)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if report.Written != 2 || len(report.Failed) != 0 {
		t.Fatalf("expected 2 written and 0 failed, got %d/%d", report.Written, len(report.Failed))
	}

	// A column absent from a record stores NULL.
	var name sql.NullString
	if err := db.QueryRowContext(ctx, `SELECT "Name" FROM plants WHERE "EinheitMastrNummer" = ?`, "SEE2").Scan(&name); err != nil {
		t.Fatalf("failed to read back row: %v", err)
	}
	if name.Valid {
		t.Errorf("expected NULL Name for SEE2, got %q", name.String)
	}
}

func TestInsertMany_EmptyInput(t *testing.T) {
	adapter := newTestAdapter(t)
	report, err := adapter.InsertMany(context.Background(), newSQLiteDB(t), "plants", nil)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if report.Written != 0 || len(report.Failed) != 0 {
		t.Errorf("expected empty report, got %+v", report)
	}
}

func TestInsertMany_MissingColumnAbortsBatch(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	if _, err := db.ExecContext(ctx, `CREATE TABLE plants ("EinheitMastrNummer" TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	rows := []models.RawRecord{
		{"EinheitMastrNummer": "SEE1"},
		{"EinheitMastrNummer": "SEE2", "Nabenhoehe": "120.5"},
	}
	_, err := adapter.InsertMany(ctx, db, "plants", rows)
	if err == nil {
		t.Fatal("expected missing column error")
	}

	var missing *MissingColumnError
	if !errors.As(err, &missing) {
		t.Fatalf("expected *MissingColumnError, got %T: %v", err, err)
	}
	if missing.Table != "plants" || missing.Column != "Nabenhoehe" {
		t.Errorf("unexpected detail: table=%q column=%q", missing.Table, missing.Column)
	}

	// After widening, the same rows go through unchanged.
	if err := adapter.AddColumn(ctx, db, "plants", missing.Column); err != nil {
		t.Fatalf("AddColumn failed: %v", err)
	}
	report, err := adapter.InsertMany(ctx, db, "plants", rows)
	if err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	if report.Written != 2 {
		t.Errorf("expected 2 written after resubmit, got %d", report.Written)
	}
}

func TestInsertMany_IsolatesBadRows(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	// STRICT enforces column types, so a non-numeric power value fails the
	// row the way a typed postgres column would.
	if _, err := db.ExecContext(ctx, `CREATE TABLE readings ("Id" TEXT, "Leistung" INTEGER) STRICT`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	rows := []models.RawRecord{
		{"Id": "a", "Leistung": 100},
		{"Id": "b", "Leistung": "kaputt"},
		{"Id": "c", "Leistung": 300},
		{"Id": "d", "Leistung": 400},
	}
	report, err := adapter.InsertMany(ctx, db, "readings", rows)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if report.Written != 3 {
		t.Errorf("expected 3 written, got %d", report.Written)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("expected 1 failed row, got %d", len(report.Failed))
	}

	failed := report.Failed[0]
	if failed.Kind != FaultBadValue {
		t.Errorf("expected kind %s, got %s", FaultBadValue, failed.Kind)
	}
	if failed.Column != "Leistung" {
		t.Errorf("expected column Leistung, got %q", failed.Column)
	}
	if id, _ := failed.Row.StringField("Id"); id != "b" {
		t.Errorf("expected row b to fail, got %q", id)
	}
	if failed.Err == nil {
		t.Error("expected underlying error to be preserved")
	}
	if got := countRows(t, db, "readings"); got != 3 {
		t.Errorf("expected 3 rows in table, got %d", got)
	}
}

func TestInsertMany_SavepointKeepsTransactionUsable(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	if _, err := db.ExecContext(ctx, `CREATE TABLE readings ("Id" TEXT, "Leistung" INTEGER) STRICT`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	rows := []models.RawRecord{
		{"Id": "a", "Leistung": 100},
		{"Id": "b", "Leistung": "kaputt"},
	}
	report, err := adapter.InsertMany(ctx, tx, "readings", rows)
	if err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}
	if report.Written != 1 || len(report.Failed) != 1 {
		t.Fatalf("expected 1 written and 1 failed, got %d/%d", report.Written, len(report.Failed))
	}

	// The enclosing transaction must survive the isolated failure.
	if _, err := tx.ExecContext(ctx, `INSERT INTO readings ("Id", "Leistung") VALUES (?, ?)`, "c", 300); err != nil {
		t.Fatalf("transaction unusable after isolated failure: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if got := countRows(t, db, "readings"); got != 2 {
		t.Errorf("expected 2 rows after commit, got %d", got)
	}
}

func TestMerge_OverwritesOnKeyConflict(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	if _, err := db.ExecContext(ctx, `CREATE TABLE eeg ("EegMastrNummer" TEXT PRIMARY KEY, "Foerderdauer" TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	if err := adapter.Merge(ctx, db, "eeg", "EegMastrNummer", models.RawRecord{"EegMastrNummer": "EEG1", "Foerderdauer": "20"}); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	if err := adapter.Merge(ctx, db, "eeg", "EegMastrNummer", models.RawRecord{"EegMastrNummer": "EEG1", "Foerderdauer": "25"}); err != nil {
		t.Fatalf("second merge failed: %v", err)
	}

	var dauer string
	if err := db.QueryRowContext(ctx, `SELECT "Foerderdauer" FROM eeg WHERE "EegMastrNummer" = ?`, "EEG1").Scan(&dauer); err != nil {
		t.Fatalf("failed to read back: %v", err)
	}
	if dauer != "25" {
		t.Errorf("expected overwritten value 25, got %q", dauer)
	}
	if got := countRows(t, db, "eeg"); got != 1 {
		t.Errorf("expected 1 row, got %d", got)
	}
}

func TestMerge_KeyOnlyRecord(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	if _, err := db.ExecContext(ctx, `CREATE TABLE eeg ("EegMastrNummer" TEXT PRIMARY KEY, "Foerderdauer" TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}

	row := models.RawRecord{"EegMastrNummer": "EEG2"}
	if err := adapter.Merge(ctx, db, "eeg", "EegMastrNummer", row); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	// With nothing to update, a repeat is a no-op rather than an error.
	if err := adapter.Merge(ctx, db, "eeg", "EegMastrNummer", row); err != nil {
		t.Fatalf("repeat merge failed: %v", err)
	}
	if got := countRows(t, db, "eeg"); got != 1 {
		t.Errorf("expected 1 row, got %d", got)
	}
}

func TestMerge_MissingKeyRejected(t *testing.T) {
	adapter := newTestAdapter(t)
	err := adapter.Merge(context.Background(), newSQLiteDB(t), "eeg", "EegMastrNummer", models.RawRecord{"Foerderdauer": "20"})
	if err == nil {
		t.Fatal("expected error for record without key column")
	}
}

func TestDeleteAll(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	adapter := newTestAdapter(t)

	if _, err := db.ExecContext(ctx, `CREATE TABLE plants ("EinheitMastrNummer" TEXT)`); err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	rows := []models.RawRecord{
		{"EinheitMastrNummer": "SEE1"},
		{"EinheitMastrNummer": "SEE2"},
		{"EinheitMastrNummer": "SEE3"},
	}
	if _, err := adapter.InsertMany(ctx, db, "plants", rows); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	removed, err := adapter.DeleteAll(ctx, db, "plants")
	if err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("expected 3 removed, got %d", removed)
	}
	if got := countRows(t, db, "plants"); got != 0 {
		t.Errorf("expected empty table, got %d rows", got)
	}
}
