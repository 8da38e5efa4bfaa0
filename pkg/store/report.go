package store

import (
	"fmt"

	"github.com/unitgrid/mastr-engine/pkg/models"
)

// FaultKind classifies a row-level write failure.
type FaultKind string

const (
	FaultBadValue FaultKind = "bad_value"
	FaultOther    FaultKind = "other"
)

// FailedRow is one record a write could not apply, with the classified
// cause. Column and Value are best-effort detail for bad_value faults.
type FailedRow struct {
	Row    models.RawRecord
	Kind   FaultKind
	Column string
	Value  string
	Err    error
}

// WriteReport summarizes a batched write: rows applied and rows isolated
// as failed. Row-level faults never fail the call itself.
type WriteReport struct {
	Written int
	Failed  []FailedRow
}

func (r *WriteReport) merge(other *WriteReport) {
	r.Written += other.Written
	r.Failed = append(r.Failed, other.Failed...)
}

// MissingColumnError is returned when a write referenced a column the
// target table does not have. It aborts the batch as a whole: the caller
// is expected to add the column and resubmit the same write unchanged.
type MissingColumnError struct {
	Table  string
	Column string
	Err    error
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("table %s has no column %q: %v", e.Table, e.Column, e.Err)
}

func (e *MissingColumnError) Unwrap() error { return e.Err }
