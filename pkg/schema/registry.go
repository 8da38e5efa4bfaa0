// Package schema holds the static mapping between the registry's external
// record-type names and the local relational schema: unit-type labels,
// detail-table dispatch per category and data kind, bulk-export file
// targets, column renames, and ignore markers for auxiliary export files.
package schema

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/unitgrid/mastr-engine/pkg/apperrors"
	"github.com/unitgrid/mastr-engine/pkg/models"
)

// BasicUnitsTable is the table holding primary unit records.
const BasicUnitsTable = "basic_units"

// Registry is the static schema mapping. Construct with NewRegistry and
// optionally extend via ApplyOverrides; it is read-only afterwards and safe
// for concurrent use.
type Registry struct {
	labels     map[string]models.Category
	labelFor   map[models.Category]string
	categories []models.Category
	matrix     map[models.Category]map[models.DataKind]string
	keyColumns map[models.DataKind]string
	bulkTarget map[string]string
	ignored    map[string]struct{}
	renames    map[string]map[string]string
}

// NewRegistry returns the built-in mapping for the MaStR registry.
func NewRegistry() *Registry {
	r := &Registry{
		labels: map[string]models.Category{
			"Windeinheit":          models.CategoryWind,
			"Solareinheit":         models.CategorySolar,
			"Biomasse":             models.CategoryBiomass,
			"Wasser":               models.CategoryHydro,
			"Geothermie":           models.CategoryGsgk,
			"Verbrennung":          models.CategoryCombustion,
			"Kernenergie":          models.CategoryNuclear,
			"Stromspeichereinheit": models.CategoryStorage,
		},
		categories: []models.Category{
			models.CategoryWind,
			models.CategorySolar,
			models.CategoryBiomass,
			models.CategoryCombustion,
			models.CategoryGsgk,
			models.CategoryHydro,
			models.CategoryNuclear,
			models.CategoryStorage,
		},
		matrix: map[models.Category]map[models.DataKind]string{
			models.CategoryWind: {
				models.KindExtended: "wind_extended",
				models.KindEEG:      "wind_eeg",
				models.KindPermit:   "permit",
			},
			models.CategorySolar: {
				models.KindExtended: "solar_extended",
				models.KindEEG:      "solar_eeg",
				models.KindPermit:   "permit",
			},
			models.CategoryBiomass: {
				models.KindExtended: "biomass_extended",
				models.KindEEG:      "biomass_eeg",
				models.KindCHP:      "chp",
				models.KindPermit:   "permit",
			},
			models.CategoryCombustion: {
				models.KindExtended: "combustion_extended",
				models.KindCHP:      "chp",
				models.KindPermit:   "permit",
			},
			models.CategoryGsgk: {
				models.KindExtended: "gsgk_extended",
				models.KindCHP:      "chp",
				models.KindPermit:   "permit",
			},
			models.CategoryHydro: {
				models.KindExtended: "hydro_extended",
				models.KindPermit:   "permit",
			},
			models.CategoryNuclear: {
				models.KindExtended: "nuclear_extended",
				models.KindPermit:   "permit",
			},
			models.CategoryStorage: {
				models.KindExtended: "storage_extended",
				models.KindPermit:   "permit",
			},
		},
		keyColumns: map[models.DataKind]string{
			models.KindExtended: "EinheitMastrNummer",
			models.KindEEG:      "EegMastrNummer",
			models.KindCHP:      "KwkMastrNummer",
			models.KindPermit:   "GenMastrNummer",
		},
		bulkTarget: map[string]string{
			"einheitenwind":                          "wind_extended",
			"einheitensolar":                         "solar_extended",
			"einheitenbiomasse":                      "biomass_extended",
			"einheitenwasser":                        "hydro_extended",
			"einheitengeosolarthermiegrubenklaergas": "gsgk_extended",
			"einheitenverbrennung":                   "combustion_extended",
			"einheitenkernkraft":                     "nuclear_extended",
			"einheitenstromspeicher":                 "storage_extended",
			"anlageneegwind":                         "wind_eeg",
			"anlageneegsolar":                        "solar_eeg",
			"anlageneegbiomasse":                     "biomass_eeg",
			"anlagenkwk":                             "chp",
			"einheitengenehmigung":                   "permit",
		},
		// Catalog files are only needed for cleansing the export and carry
		// no storable data.
		ignored: map[string]struct{}{
			"katalogkategorien": {},
			"katalogwerte":      {},
			"einheitentypen":    {},
		},
		// The registry's own exports drift between "MaStR" and "Mastr"
		// spellings; renames fold bulk columns onto the declared schema.
		renames: map[string]map[string]string{
			"anlageneegwind":       {"EegMaStRNummer": "EegMastrNummer"},
			"anlageneegsolar":      {"EegMaStRNummer": "EegMastrNummer"},
			"anlageneegbiomasse":   {"EegMaStRNummer": "EegMastrNummer"},
			"anlagenkwk":           {"KwkMaStRNummer": "KwkMastrNummer"},
			"einheitengenehmigung": {"GenMaStRNummer": "GenMastrNummer", "VerknuepfteEinheit": "VerknuepfteEinheiten"},
		},
	}

	r.labelFor = make(map[models.Category]string, len(r.labels))
	for label, cat := range r.labels {
		r.labelFor[cat] = label
	}
	return r
}

// CategoryForLabel maps a raw German unit-type label to its normalized
// category.
func (r *Registry) CategoryForLabel(label string) (models.Category, bool) {
	c, ok := r.labels[label]
	return c, ok
}

// LabelForCategory is the inverse of CategoryForLabel.
func (r *Registry) LabelForCategory(c models.Category) (string, bool) {
	l, ok := r.labelFor[c]
	return l, ok
}

// Categories returns all known categories in declaration order.
func (r *Registry) Categories() []models.Category {
	out := make([]models.Category, len(r.categories))
	copy(out, r.categories)
	return out
}

// KindsFor returns the detail kinds available for a category, in
// models.DataKinds order. Unknown categories yield nil.
func (r *Registry) KindsFor(c models.Category) []models.DataKind {
	tables, ok := r.matrix[c]
	if !ok {
		return nil
	}
	var kinds []models.DataKind
	for _, k := range models.DataKinds {
		if _, present := tables[k]; present {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// DetailTable resolves the target table for a (category, kind) pair.
func (r *Registry) DetailTable(c models.Category, k models.DataKind) (string, error) {
	tables, ok := r.matrix[c]
	if !ok {
		return "", fmt.Errorf("category %q: %w", c, apperrors.ErrUnknownCategory)
	}
	table, ok := tables[k]
	if !ok {
		return "", fmt.Errorf("category %q has no %q table: %w", c, k, apperrors.ErrNoDetailTable)
	}
	return table, nil
}

// KeyColumn returns the merge-key column for a detail kind.
func (r *Registry) KeyColumn(k models.DataKind) (string, error) {
	col, ok := r.keyColumns[k]
	if !ok {
		return "", fmt.Errorf("data kind %q: %w", k, apperrors.ErrUnknownDataKind)
	}
	return col, nil
}

// Ignored reports whether a bulk source is a known auxiliary file that must
// not be written to the store.
func (r *Registry) Ignored(source string) bool {
	_, ok := r.ignored[source]
	return ok
}

// BulkTarget resolves a bulk source key to its target table.
func (r *Registry) BulkTarget(source string) (string, bool) {
	t, ok := r.bulkTarget[source]
	return t, ok
}

// Renames returns the column renames for a bulk source, or nil.
func (r *Registry) Renames(source string) map[string]string {
	return r.renames[source]
}

// SourceFromFilename derives the bulk source key and file sequence number
// from an archive entry name. The source is the segment before the first
// underscore (or the whole stem for unnumbered files), lowercased; an
// unnumbered file counts as sequence 1.
//
//	"EinheitenSolar_12.xml" -> ("einheitensolar", 12)
//	"Einheitentypen.xml"    -> ("einheitentypen", 1)
func SourceFromFilename(name string) (string, int) {
	stem := strings.TrimSuffix(path.Base(name), path.Ext(name))
	parts := strings.Split(stem, "_")
	seq := 1
	if len(parts) > 1 {
		// Non-numeric suffixes fall back to 1.
		if n, err := strconv.Atoi(parts[len(parts)-1]); err == nil && n > 0 {
			seq = n
		}
	}
	return strings.ToLower(parts[0]), seq
}
