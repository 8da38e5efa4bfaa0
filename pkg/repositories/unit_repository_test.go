package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/database"
	"github.com/unitgrid/mastr-engine/pkg/models"
	"github.com/unitgrid/mastr-engine/pkg/schema"
	"github.com/unitgrid/mastr-engine/pkg/testhelpers"
)

func newUnitRepo(t *testing.T) (UnitRepository, *database.DB) {
	t.Helper()
	db := testhelpers.NewSQLiteTestDB(t)
	return NewUnitRepository(db, db.Dialect, schema.NewRegistry()), db
}

func strPtr(s string) *string { return &s }

func TestUnitRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo, _ := newUnitRepo(t)

	modified := time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)
	units := []*models.BasicUnit{
		{
			UnitID:        "SEE900000001",
			CategoryLabel: "Windeinheit",
			Name:          "Windpark Nord",
			Status:        "In Betrieb",
			LastModified:  modified,
			EegRef:        strPtr("EEG900000001"),
			PermitRef:     strPtr("SGE900000001"),
		},
		{
			UnitID:        "SEE900000002",
			CategoryLabel: "Solareinheit",
			LastModified:  modified.Add(time.Hour),
		},
	}
	if err := repo.InsertMany(ctx, units); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	got, err := repo.GetByID(ctx, "SEE900000001")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected unit, got nil")
	}
	if got.CategoryLabel != "Windeinheit" || got.Name != "Windpark Nord" || got.Status != "In Betrieb" {
		t.Errorf("unexpected fields: %+v", got)
	}
	if !got.LastModified.Equal(modified) {
		t.Errorf("expected last_modified %v, got %v", modified, got.LastModified)
	}
	if got.EegRef == nil || *got.EegRef != "EEG900000001" {
		t.Errorf("unexpected eeg_ref: %v", got.EegRef)
	}
	if got.ChpRef != nil {
		t.Errorf("expected nil chp_ref, got %v", *got.ChpRef)
	}
	if got.PermitRef == nil || *got.PermitRef != "SGE900000001" {
		t.Errorf("unexpected permit_ref: %v", got.PermitRef)
	}

	missing, err := repo.GetByID(ctx, "SEE999999999")
	if err != nil {
		t.Fatalf("GetByID for unknown id failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestUnitRepository_LastModifiedByID(t *testing.T) {
	ctx := context.Background()
	repo, _ := newUnitRepo(t)

	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	units := []*models.BasicUnit{
		{UnitID: "SEE1", CategoryLabel: "Windeinheit", LastModified: base},
		{UnitID: "SEE2", CategoryLabel: "Windeinheit", LastModified: base.Add(time.Minute)},
		{UnitID: "SEE3", CategoryLabel: "Windeinheit", LastModified: base.Add(2 * time.Minute)},
	}
	if err := repo.InsertMany(ctx, units); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	known, err := repo.LastModifiedByID(ctx, []string{"SEE1", "SEE3", "SEE404"})
	if err != nil {
		t.Fatalf("LastModifiedByID failed: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("expected 2 known units, got %d", len(known))
	}
	if !known["SEE1"].Equal(base) {
		t.Errorf("unexpected timestamp for SEE1: %v", known["SEE1"])
	}
	if !known["SEE3"].Equal(base.Add(2 * time.Minute)) {
		t.Errorf("unexpected timestamp for SEE3: %v", known["SEE3"])
	}
	if _, present := known["SEE404"]; present {
		t.Error("unknown id must not appear in result")
	}
}

func TestUnitRepository_Update(t *testing.T) {
	ctx := context.Background()
	repo, _ := newUnitRepo(t)

	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	unit := &models.BasicUnit{UnitID: "SEE1", CategoryLabel: "Windeinheit", Name: "Alt", LastModified: base}
	if err := repo.InsertMany(ctx, []*models.BasicUnit{unit}); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	unit.Name = "Neu"
	unit.Status = "In Betrieb"
	unit.LastModified = base.Add(time.Hour)
	unit.ChpRef = strPtr("KWK1")
	if err := repo.Update(ctx, unit); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := repo.GetByID(ctx, "SEE1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Name != "Neu" || got.Status != "In Betrieb" {
		t.Errorf("update not applied: %+v", got)
	}
	if !got.LastModified.Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected last_modified: %v", got.LastModified)
	}
	if got.ChpRef == nil || *got.ChpRef != "KWK1" {
		t.Errorf("unexpected chp_ref: %v", got.ChpRef)
	}

	err = repo.Update(ctx, &models.BasicUnit{UnitID: "SEE404", CategoryLabel: "Windeinheit", LastModified: base})
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown unit, got %v", err)
	}
}

func TestUnitRepository_Watermarks(t *testing.T) {
	ctx := context.Background()
	repo, _ := newUnitRepo(t)

	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	units := []*models.BasicUnit{
		{UnitID: "SEE1", CategoryLabel: "Windeinheit", LastModified: base},
		{UnitID: "SEE2", CategoryLabel: "Windeinheit", LastModified: base.Add(2 * time.Hour)},
		{UnitID: "SEE3", CategoryLabel: "Solareinheit", LastModified: base.Add(time.Hour)},
		// A label this build does not know must not break the fan-out.
		{UnitID: "SEE4", CategoryLabel: "Gasspeichereinheit", LastModified: base},
	}
	if err := repo.InsertMany(ctx, units); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	marks, unknown, err := repo.Watermarks(ctx)
	if err != nil {
		t.Fatalf("Watermarks failed: %v", err)
	}
	if len(marks) != 2 {
		t.Fatalf("expected 2 watermarks, got %d", len(marks))
	}
	if !marks[models.CategoryWind].Equal(base.Add(2 * time.Hour)) {
		t.Errorf("unexpected wind watermark: %v", marks[models.CategoryWind])
	}
	if !marks[models.CategorySolar].Equal(base.Add(time.Hour)) {
		t.Errorf("unexpected solar watermark: %v", marks[models.CategorySolar])
	}
	if len(unknown) != 1 || unknown[0] != "Gasspeichereinheit" {
		t.Errorf("expected unknown label Gasspeichereinheit, got %v", unknown)
	}

	wind, err := repo.Watermark(ctx, models.CategoryWind)
	if err != nil {
		t.Fatalf("Watermark failed: %v", err)
	}
	if !wind.Equal(base.Add(2 * time.Hour)) {
		t.Errorf("unexpected wind watermark: %v", wind)
	}

	// No stored units means a zero watermark, not an error.
	hydro, err := repo.Watermark(ctx, models.CategoryHydro)
	if err != nil {
		t.Fatalf("Watermark for empty category failed: %v", err)
	}
	if !hydro.IsZero() {
		t.Errorf("expected zero watermark, got %v", hydro)
	}

	if _, err := repo.Watermark(ctx, models.Category("fusion")); !errors.Is(err, apperrors.ErrUnknownCategory) {
		t.Errorf("expected ErrUnknownCategory, got %v", err)
	}
}

func TestUnitRepository_CountByLabel(t *testing.T) {
	ctx := context.Background()
	repo, _ := newUnitRepo(t)

	base := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	units := []*models.BasicUnit{
		{UnitID: "SEE1", CategoryLabel: "Windeinheit", LastModified: base},
		{UnitID: "SEE2", CategoryLabel: "Windeinheit", LastModified: base},
		{UnitID: "SEE3", CategoryLabel: "Solareinheit", LastModified: base},
	}
	if err := repo.InsertMany(ctx, units); err != nil {
		t.Fatalf("InsertMany failed: %v", err)
	}

	counts, err := repo.CountByLabel(ctx)
	if err != nil {
		t.Fatalf("CountByLabel failed: %v", err)
	}
	if counts["Windeinheit"] != 2 || counts["Solareinheit"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
