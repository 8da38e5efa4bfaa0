// Package normalize converts raw registry records into storable form:
// response-status stripping, column renames, and the mapping of the remote
// basic-unit payload onto the typed basic_units row.
package normalize

import (
	"fmt"
	"strconv"
	"time"

	"github.com/unitgrid/mastr-engine/pkg/models"
)

// Remote payload field names. DatumLetzeAktualisierung is the request API's
// historical misspelling; bulk exports spell it correctly.
const (
	FieldUnitID           = "EinheitMastrNummer"
	FieldCategoryLabel    = "Einheittyp"
	FieldName             = "NameStromerzeugungseinheit"
	FieldStatus           = "EinheitBetriebsstatus"
	FieldLastModified     = "DatumLetzeAktualisierung"
	FieldLastModifiedBulk = "DatumLetzteAktualisierung"
	FieldEegRef           = "EegMastrNummer"
	FieldChpRef           = "KwkMastrNummer"
	FieldPermitRef        = "GenMastrNummer"
)

// responseStatusFields carry per-call status from the remote API and must
// never reach storage.
var responseStatusFields = []string{
	"Ergebniscode",
	"AufrufVeraltet",
	"AufrufVersion",
	"AufrufLebenszeitEnde",
}

// timestampLayouts covers the registry's export forms, most specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// StripResponseStatus removes the remote call-status fields in place.
func StripResponseStatus(raw models.RawRecord) {
	for _, f := range responseStatusFields {
		delete(raw, f)
	}
}

// Timestamp parses a raw timestamp value. The remote client yields
// time.Time directly; bulk XML yields strings.
func Timestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized timestamp %q", t)
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is missing")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

// BasicUnit maps a raw basic-unit record onto the typed row. The record is
// rejected when the unit id is missing or the modification timestamp is
// absent or unparsable; callers count rejects and continue.
func BasicUnit(raw models.RawRecord) (*models.BasicUnit, error) {
	id, ok := raw.StringField(FieldUnitID)
	if !ok {
		return nil, fmt.Errorf("record has no %s", FieldUnitID)
	}

	lastModified, present := raw[FieldLastModified]
	if !present {
		lastModified = raw[FieldLastModifiedBulk]
	}
	ts, err := Timestamp(lastModified)
	if err != nil {
		return nil, fmt.Errorf("unit %s: %w", id, err)
	}

	unit := &models.BasicUnit{
		UnitID:       id,
		LastModified: ts,
		EegRef:       optional(raw, FieldEegRef),
		ChpRef:       optional(raw, FieldChpRef),
		PermitRef:    optional(raw, FieldPermitRef),
	}
	unit.CategoryLabel, _ = raw.StringField(FieldCategoryLabel)
	unit.Name, _ = raw.StringField(FieldName)
	unit.Status, _ = raw.StringField(FieldStatus)
	return unit, nil
}

// Detail prepares a raw detail record for storage: strips response-status
// fields, applies column renames, and flattens every value to text. Both
// dialects parse typed columns from text, so one representation serves
// strings from bulk XML and typed values from the remote client alike. The
// input is not modified.
func Detail(raw models.RawRecord, renames map[string]string) models.RawRecord {
	out := make(models.RawRecord, len(raw))
	for k, v := range raw {
		out[k] = flatten(v)
	}
	StripResponseStatus(out)
	for from, to := range renames {
		if v, present := out[from]; present {
			delete(out, from)
			out[to] = v
		}
	}
	return out
}

func flatten(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func optional(raw models.RawRecord, field string) *string {
	if s, ok := raw.StringField(field); ok {
		return &s
	}
	return nil
}
