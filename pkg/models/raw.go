package models

// RawRecord is one record as delivered by either feed before
// normalization: field name to value. The remote client yields timestamps
// as time.Time and everything else as strings; bulk XML yields strings
// only.
type RawRecord map[string]any

// Clone returns a shallow copy. Normalization mutates records in place, so
// callers that need the original intact copy first.
func (r RawRecord) Clone() RawRecord {
	out := make(RawRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// StringField returns the named field as a string, with ok reporting
// whether it was present and non-empty.
func (r RawRecord) StringField(name string) (string, bool) {
	v, present := r[name]
	if !present || v == nil {
		return "", false
	}
	s, isString := v.(string)
	if !isString || s == "" {
		return "", false
	}
	return s, true
}
