package apperrors

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrUnknownDataKind  = errors.New("unknown data kind")
	ErrNoDetailTable    = errors.New("no detail table for category and kind")
	ErrArchiveCorrupt   = errors.New("archive entry unrecoverably corrupt")
)
