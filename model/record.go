package model

import "maps"

// Record is the in-memory representation of one persisted entity instance
// being edited. It is built by merging a submitted field overlay on top of
// the stored row, is mutated in place by validation and persistence, and is
// discarded after the update flow returns.
//
// A field value may itself be a *Record (a one-to-one sub-record edited
// inline with its parent). Error annotations attach at the record level via
// Errors and at the field level via the FieldError entries inside it.
type Record struct {
	// Entity is the entity definition ID this record belongs to.
	Entity string

	// Selector is the opaque key identifying the stored row (commonly the
	// primary key). May be empty for session-backed rows.
	Selector string

	// Version is the stored row version used for optimistic locking.
	Version int64

	// Fields holds the current field values, submitted overlay included.
	Fields map[string]any

	// Order preserves field ordering as defined by the entity.
	Order []string

	// Errors holds record-level and field-level error annotations attached
	// by validation, hooks, or the persistence store.
	Errors []FieldError

	// baseline holds the stored values of fields that the submission
	// overwrote, so the overlay can be suspended and restored.
	baseline map[string]any
	posted   map[string]any
}

// NewRecord creates a Record over the given stored field values.
func NewRecord(entity, selector string, stored map[string]any) *Record {
	fields := make(map[string]any, len(stored))
	order := make([]string, 0, len(stored))
	for k, v := range stored {
		fields[k] = v
	}
	for k := range stored {
		order = append(order, k)
	}
	return &Record{
		Entity:   entity,
		Selector: selector,
		Fields:   fields,
		Order:    order,
	}
}

// Set stores a field value, appending to the field order on first write.
func (r *Record) Set(field string, value any) {
	if r.Fields == nil {
		r.Fields = make(map[string]any)
	}
	if _, exists := r.Fields[field]; !exists {
		r.Order = append(r.Order, field)
	}
	r.Fields[field] = value
}

// Get returns a field value, or nil if the field is absent.
func (r *Record) Get(field string) any {
	if r.Fields == nil {
		return nil
	}
	return r.Fields[field]
}

// String returns a field value as a string, or "" if absent or not a string.
func (r *Record) String(field string) string {
	s, _ := r.Get(field).(string)
	return s
}

// MergePosted applies a submitted field overlay on top of the stored values.
// The pre-submission value of every overwritten field is retained so the
// overlay can be suspended for change tracking.
func (r *Record) MergePosted(values map[string]any) {
	if len(values) == 0 {
		return
	}
	r.baseline = make(map[string]any, len(values))
	r.posted = make(map[string]any, len(values))
	for k, v := range values {
		if old, exists := r.Fields[k]; exists {
			r.baseline[k] = old
		}
		r.posted[k] = v
		r.Set(k, v)
	}
}

// PostedFields returns the submitted overlay currently applied to the record.
// The returned map is shared with the record and must not be mutated.
func (r *Record) PostedFields() map[string]any {
	return r.posted
}

// SuspendPosted reverts every submitted field to its stored value and returns
// the overlay. Fields introduced by the submission are removed entirely.
// The caller must restore the overlay with RestorePosted.
func (r *Record) SuspendPosted() map[string]any {
	overlay := r.posted
	for k := range overlay {
		if old, exists := r.baseline[k]; exists {
			r.Fields[k] = old
		} else {
			delete(r.Fields, k)
		}
	}
	r.posted = nil
	return overlay
}

// RestorePosted re-applies an overlay previously returned by SuspendPosted.
func (r *Record) RestorePosted(overlay map[string]any) {
	if overlay == nil {
		return
	}
	for k, v := range overlay {
		r.Fields[k] = v
	}
	r.posted = overlay
}

// Snapshot returns a copy of the current field values. Sub-records are
// referenced, not deep-copied.
func (r *Record) Snapshot() map[string]any {
	out := make(map[string]any, len(r.Fields))
	maps.Copy(out, r.Fields)
	return out
}

// AddError attaches a record-level error annotation.
func (r *Record) AddError(code, message string) {
	r.Errors = append(r.Errors, FieldError{Code: code, Message: message})
}

// AddFieldError attaches a field-level error annotation.
func (r *Record) AddFieldError(field, code, message string) {
	r.Errors = append(r.Errors, FieldError{Field: field, Code: code, Message: message})
}

// HasError reports whether the record carries any error annotation, either
// in its own error slot or in the error slot of any direct sub-record field.
// The check recurses exactly one level, matching the shape validation writes.
func (r *Record) HasError() bool {
	if len(r.Errors) > 0 {
		return true
	}
	for _, v := range r.Fields {
		if sub, ok := v.(*Record); ok && sub != nil && len(sub.Errors) > 0 {
			return true
		}
	}
	return false
}

// AllErrors returns the record's own errors followed by the errors of all
// direct sub-records, in field order.
func (r *Record) AllErrors() []FieldError {
	out := make([]FieldError, 0, len(r.Errors))
	out = append(out, r.Errors...)
	for _, field := range r.Order {
		if sub, ok := r.Fields[field].(*Record); ok && sub != nil {
			out = append(out, sub.Errors...)
		}
	}
	return out
}
