package models

import "time"

// BasicUnit is one row of the basic_units table: the primary record of a
// registry unit. CategoryLabel holds the registry's raw German unit-type
// label (e.g. "Windeinheit"); the reference ids point at detail records
// that may still need fetching.
type BasicUnit struct {
	UnitID        string
	CategoryLabel string
	Name          string
	Status        string
	LastModified  time.Time
	EegRef        *string
	ChpRef        *string
	PermitRef     *string
}

// RefFor returns the external reference id for a detail kind, or nil when
// the unit carries none. For KindExtended the unit id itself is the
// reference, so the result is always non-nil.
func (u *BasicUnit) RefFor(kind DataKind) *string {
	switch kind {
	case KindExtended:
		id := u.UnitID
		return &id
	case KindEEG:
		return u.EegRef
	case KindCHP:
		return u.ChpRef
	case KindPermit:
		return u.PermitRef
	}
	return nil
}
