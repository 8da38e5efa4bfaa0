// Package models contains domain types for mastr-engine.
package models

// Category identifies a technology tracked by the registry, in normalized
// form ("wind", "solar", ...). The registry itself transmits German
// unit-type labels; pkg/schema maps between the two.
type Category string

const (
	CategoryWind       Category = "wind"
	CategorySolar      Category = "solar"
	CategoryBiomass    Category = "biomass"
	CategoryHydro      Category = "hydro"
	CategoryGsgk       Category = "gsgk"
	CategoryCombustion Category = "combustion"
	CategoryNuclear    Category = "nuclear"
	CategoryStorage    Category = "storage"
)

func (c Category) String() string { return string(c) }

// DataKind identifies one variant of detail data linked to a unit.
type DataKind string

const (
	// KindExtended is the kind-specific extended unit record. Every unit
	// has one, keyed by the unit id itself.
	KindExtended DataKind = "extended"
	// KindEEG is the subsidy (EEG) record, keyed by the unit's eeg_ref.
	KindEEG DataKind = "eeg"
	// KindCHP is the co-generation (KWK) record, keyed by chp_ref.
	KindCHP DataKind = "chp"
	// KindPermit is the permit record, keyed by permit_ref.
	KindPermit DataKind = "permit"
)

func (k DataKind) String() string { return string(k) }

// DataKinds lists all detail variants in derivation order.
var DataKinds = []DataKind{KindExtended, KindEEG, KindCHP, KindPermit}
