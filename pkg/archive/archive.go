// Package archive reads the registry's bulk export: a zip archive of
// UTF-16 encoded XML files, one row element per record. Files in the wild
// occasionally carry stray control bytes that break strict XML parsing;
// reading repairs such spots by dropping the smallest span that restores
// well-formedness.
package archive

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/models"
)

// maxRepairs bounds repair attempts per file. A file needing more than
// this is treated as unrecoverable rather than silently hollowed out.
const maxRepairs = 1000

// Archive is an open bulk export.
type Archive struct {
	reader *zip.ReadCloser
	files  map[string]*zip.File
	names  []string
}

// Open opens the export archive at path.
func Open(path string) (*Archive, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export archive: %w", err)
	}

	a := &Archive{
		reader: reader,
		files:  make(map[string]*zip.File, len(reader.File)),
	}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.files[f.Name] = f
		a.names = append(a.names, f.Name)
	}
	sort.Strings(a.names)
	return a, nil
}

// Close releases the underlying zip reader.
func (a *Archive) Close() error {
	return a.reader.Close()
}

// Entries returns the archive's file names in lexicographic order.
func (a *Archive) Entries() []string {
	out := make([]string, len(a.names))
	copy(out, a.names)
	return out
}

// Rows parses one archive entry into records, repairing encoding damage as
// needed, and reports how many repairs were applied. Fields with empty
// text are absent from the record.
func (a *Archive) Rows(name string) ([]models.RawRecord, int, error) {
	data, err := a.decode(name)
	if err != nil {
		return nil, 0, err
	}

	repairs := 0
	for {
		rows, offset, parseErr := parseRows(data)
		if parseErr == nil {
			return rows, repairs, nil
		}
		if repairs >= maxRepairs {
			return nil, repairs, fmt.Errorf("%s: repair limit exhausted: %w", name, apperrors.ErrArchiveCorrupt)
		}
		repaired, ok := repairAt(data, offset)
		if !ok {
			return nil, repairs, fmt.Errorf("%s: %v: %w", name, parseErr, apperrors.ErrArchiveCorrupt)
		}
		data = repaired
		repairs++
	}
}

// decode reads one entry and transcodes it from UTF-16 to UTF-8. The
// byte-order mark decides endianness; files without one are read as
// little endian, which is what the registry ships.
func (a *Archive) decode(name string) ([]byte, error) {
	f, ok := a.files[name]
	if !ok {
		return nil, fmt.Errorf("archive has no entry %q", name)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open archive entry %s: %w", name, err)
	}
	defer rc.Close()

	decoder := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	data, err := io.ReadAll(transform.NewReader(rc, decoder))
	if err != nil {
		return nil, fmt.Errorf("failed to decode archive entry %s: %w", name, err)
	}
	return data, nil
}

// parseRows walks the three-level export structure: a container element,
// one element per row, one element per field. On a syntax error it returns
// the byte offset the parser stopped at so the caller can repair there.
func parseRows(data []byte) ([]models.RawRecord, int64, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	// The declaration still names the original encoding; the payload is
	// already UTF-8 at this point.
	d.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var rows []models.RawRecord
	var row models.RawRecord
	var field string
	var text strings.Builder
	depth := 0

	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return rows, 0, nil
		}
		if err != nil {
			return nil, d.InputOffset(), err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch depth {
			case 2:
				row = make(models.RawRecord)
			case 3:
				field = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if depth == 3 {
				text.Write(t)
			}
		case xml.EndElement:
			switch depth {
			case 3:
				if s := text.String(); s != "" {
					row[field] = s
				}
			case 2:
				if len(row) > 0 {
					rows = append(rows, row)
				}
				row = nil
			}
			depth--
		}
	}
}

// repairAt removes the span around a parse failure: backward from the
// failure offset to the last '>', forward to the next '<'. This loses at
// most the damaged element's text but keeps the document well formed.
func repairAt(data []byte, offset int64) ([]byte, bool) {
	pos := int(offset)
	if pos > len(data) {
		pos = len(data)
	}

	start := bytes.LastIndexByte(data[:pos], '>')
	if start < 0 {
		return nil, false
	}
	next := bytes.IndexByte(data[start+1:], '<')
	if next < 0 {
		return nil, false
	}
	end := start + 1 + next

	out := make([]byte, 0, len(data)-(end-start-1))
	out = append(out, data[:start+1]...)
	out = append(out, data[end:]...)
	return out, true
}
