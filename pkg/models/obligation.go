package models

import "time"

// FetchObligation records that one detail record must still be fetched for
// a unit. DetailID is the external id to request: the kind-specific
// reference, or the unit id itself for KindExtended. Obligations for a
// (unit, category) pair are replaced wholesale whenever the unit is
// re-processed, so stale rows never accumulate.
type FetchObligation struct {
	UnitID      string
	Category    Category
	DataKind    DataKind
	DetailID    string
	RequestedAt time.Time
}

// MissedFetch is one row of the append-only log of detail fetches the
// remote source permanently failed to resolve. A missed fetch is terminal:
// its obligation is removed and never requeued automatically.
type MissedFetch struct {
	DetailID string
	UnitID   string
	Category Category
	DataKind DataKind
	MissedAt time.Time
}
