package calibration

import "sort"

// Update is the nested structure section -> row key -> field -> value
// produced by Decode and consumed by the config mutator.
type Update struct {
	Sections map[string]map[string]*RowUpdate
}

// RowUpdate carries the new field values of one row together with the
// descriptors that identify it.
type RowUpdate struct {
	Descriptors []Descriptor
	Fields      map[string]FieldValue
}

// FieldValue is a new value and the optional precision to write it with.
type FieldValue struct {
	Value     float64
	Precision *int
}

// NewUpdate returns an empty update.
func NewUpdate() *Update {
	return &Update{Sections: make(map[string]map[string]*RowUpdate)}
}

// Set records the value of one parameter.
func (u *Update) Set(def ParameterDefinition, value float64) {
	rows, ok := u.Sections[def.Section]
	if !ok {
		rows = make(map[string]*RowUpdate)
		u.Sections[def.Section] = rows
	}
	key := def.RowKey()
	row, ok := rows[key]
	if !ok {
		row = &RowUpdate{Descriptors: def.Descriptors, Fields: make(map[string]FieldValue)}
		rows[key] = row
	}
	row.Fields[def.Field] = FieldValue{Value: value, Precision: def.Precision}
}

// Value looks up one field; ok is false when the update does not touch it.
func (u *Update) Value(section, rowKey, field string) (float64, bool) {
	row, ok := u.Sections[section][rowKey]
	if !ok {
		return 0, false
	}
	fv, ok := row.Fields[field]
	return fv.Value, ok
}

// Empty reports whether the update changes nothing.
func (u *Update) Empty() bool {
	return u == nil || len(u.Sections) == 0
}

// SectionNames returns the touched sections in sorted order.
func (u *Update) SectionNames() []string {
	names := make([]string, 0, len(u.Sections))
	for name := range u.Sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
