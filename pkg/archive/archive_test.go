package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/testhelpers"
)

const windExport = `<?xml version="1.0" encoding="UTF-16"?>
<EinheitenWind>
  <EinheitenWind>
    <EinheitMastrNummer>SEE100</EinheitMastrNummer>
    <NameStromerzeugungseinheit>Windpark Lübz-Süd</NameStromerzeugungseinheit>
    <Bundesland>Mecklenburg-Vorpommern</Bundesland>
    <Standort></Standort>
  </EinheitenWind>
  <EinheitenWind>
    <EinheitMastrNummer>SEE200</EinheitMastrNummer>
    <Bundesland>Bayern</Bundesland>
  </EinheitenWind>
  <EinheitenWind>
  </EinheitenWind>
</EinheitenWind>`

func TestOpen_EntriesSorted(t *testing.T) {
	path := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenWind_2.xml":  windExport,
		"AnlagenEegWind_1.xml": windExport,
		"EinheitenWind_1.xml":  windExport,
	})

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	got := a.Entries()
	want := []string{"AnlagenEegWind_1.xml", "EinheitenWind_1.xml", "EinheitenWind_2.xml"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestOpen_SkipsDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive: %v", err)
	}
	w := zip.NewWriter(f)
	if _, err := w.Create("Gesamtdatenexport/"); err != nil {
		t.Fatalf("failed to add directory: %v", err)
	}
	entry, err := w.Create("Gesamtdatenexport/EinheitenWind_1.xml")
	if err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String(windExport)
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if _, err := entry.Write([]byte(encoded)); err != nil {
		t.Fatalf("failed to write entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finish archive: %v", err)
	}
	f.Close()

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	entries := a.Entries()
	if len(entries) != 1 || entries[0] != "Gesamtdatenexport/EinheitenWind_1.xml" {
		t.Errorf("expected only the file entry, got %v", entries)
	}
}

func TestRows_DecodesUTF16(t *testing.T) {
	path := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenWind_1.xml": windExport,
	})
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	rows, repairs, err := a.Rows("EinheitenWind_1.xml")
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	if repairs != 0 {
		t.Errorf("expected no repairs, got %d", repairs)
	}
	// The empty third row is dropped.
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	if got := rows[0]["NameStromerzeugungseinheit"]; got != "Windpark Lübz-Süd" {
		t.Errorf("umlauts lost in transcoding: %v", got)
	}
	// An empty element is an absent field, not an empty string.
	if _, present := rows[0]["Standort"]; present {
		t.Error("empty field must be absent from the record")
	}
	if got := rows[1]["EinheitMastrNummer"]; got != "SEE200" {
		t.Errorf("unexpected second row key: %v", got)
	}
}

func TestRows_RepairsControlCharacters(t *testing.T) {
	damaged := strings.Replace(windExport, "Windpark Lübz-Süd", "Windpark L\x01bz", 1)
	damaged = strings.Replace(damaged, "Bayern", "Bay\x02ern", 1)

	path := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenWind_1.xml": damaged,
	})
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	rows, repairs, err := a.Rows("EinheitenWind_1.xml")
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	if repairs != 2 {
		t.Errorf("expected 2 repairs, got %d", repairs)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	// Each repair drops only the damaged element's text.
	if _, present := rows[0]["NameStromerzeugungseinheit"]; present {
		t.Error("damaged field must be dropped")
	}
	if got := rows[0]["EinheitMastrNummer"]; got != "SEE100" {
		t.Errorf("undamaged field lost: %v", got)
	}
	if _, present := rows[1]["Bundesland"]; present {
		t.Error("second damaged field must be dropped")
	}
}

func TestRows_TruncatedFileIsCorrupt(t *testing.T) {
	cut := strings.Index(windExport, "SEE100") + 3
	path := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenWind_1.xml": windExport[:cut],
	})
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	_, _, err = a.Rows("EinheitenWind_1.xml")
	if !errors.Is(err, apperrors.ErrArchiveCorrupt) {
		t.Fatalf("expected ErrArchiveCorrupt, got %v", err)
	}
}

func TestRows_MissingEntry(t *testing.T) {
	path := testhelpers.NewExportZip(t, map[string]string{
		"EinheitenWind_1.xml": windExport,
	})
	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	if _, _, err := a.Rows("Fehlt.xml"); err == nil {
		t.Fatal("expected an error for a missing entry")
	}
}
