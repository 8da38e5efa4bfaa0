package testhelpers

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/unicode"
)

// NewExportZip writes a bulk-export style archive into a temp directory
// and returns its path. Every entry is transcoded to UTF-16 little endian
// with a byte-order mark, the encoding the registry ships.
func NewExportZip(t *testing.T, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create archive file: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range entries {
		encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String(content)
		if err != nil {
			t.Fatalf("failed to encode %s: %v", name, err)
		}
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(encoded)); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finish archive: %v", err)
	}
	return path
}
