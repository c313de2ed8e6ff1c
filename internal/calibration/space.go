package calibration

import (
	"fmt"
	"strings"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

// ParameterDefinition is one tunable scalar of the model configuration.
type ParameterDefinition struct {
	Name        string
	Section     string
	Descriptors []Descriptor
	Field       string
	Lower       float64
	Upper       float64
	// Precision overrides the template's decimal places when non-nil.
	Precision *int
}

// RowKey returns the descriptor key of the definition's row.
func (p ParameterDefinition) RowKey() string {
	return DescriptorKey(p.Descriptors)
}

// DescriptorKey concatenates descriptor values into the row identifier used
// in parameter names and update maps.
func DescriptorKey(ds []Descriptor) string {
	vals := make([]string, len(ds))
	for i, d := range ds {
		vals[i] = strings.TrimSpace(d.Value)
	}
	return strings.Join(vals, ", ")
}

// ParameterName builds the stable human-readable name of a parameter.
func ParameterName(section string, ds []Descriptor, field string) string {
	return fmt.Sprintf("%s [ID:%s] - %s", section, DescriptorKey(ds), field)
}

// Space is the ordered parameter space of a campaign. It is immutable after
// Build and safe for concurrent use.
type Space struct {
	defs  []ParameterDefinition
	lower []float64
	upper []float64
	index map[string]int
}

func indexKey(section, rowKey, field string) string {
	return section + "\x00" + rowKey + "\x00" + field
}

// Build flattens the document into parameter definitions. The order is the
// document order (sections, then rows, then fields) and is the vector index
// mapping for the lifetime of the campaign.
func Build(doc *Document) (*Space, error) {
	if doc == nil {
		return nil, apperr.Configuration("calibration", "nil calibration document")
	}

	s := &Space{index: make(map[string]int)}
	names := make(map[string]struct{})
	sections := make(map[string]struct{})

	for _, sec := range doc.Sections {
		if _, dup := sections[sec.Name]; dup {
			return nil, apperr.Configuration("calibration", "section %q listed twice", sec.Name)
		}
		sections[sec.Name] = struct{}{}

		rows := make(map[string]struct{})
		for _, row := range sec.Rows {
			key := DescriptorKey(row.Descriptors)
			if _, dup := rows[key]; dup {
				return nil, apperr.Configuration("calibration",
					"section %q: two rows share descriptors [%s]", sec.Name, key)
			}
			rows[key] = struct{}{}

			if err := checkDescriptorColumns(sec.Name, row.Descriptors); err != nil {
				return nil, err
			}

			for _, fb := range row.Fields {
				name := ParameterName(sec.Name, row.Descriptors, fb.Field)
				if _, dup := names[name]; dup {
					return nil, apperr.Configuration("calibration", "duplicate parameter %q", name)
				}
				names[name] = struct{}{}

				if fb.Lower > fb.Upper {
					return nil, apperr.Configuration("calibration",
						"parameter %q: lower bound %g exceeds upper bound %g", name, fb.Lower, fb.Upper)
				}

				ds := make([]Descriptor, len(row.Descriptors))
				copy(ds, row.Descriptors)

				s.index[indexKey(sec.Name, key, fb.Field)] = len(s.defs)
				s.defs = append(s.defs, ParameterDefinition{
					Name:        name,
					Section:     sec.Name,
					Descriptors: ds,
					Field:       fb.Field,
					Lower:       fb.Lower,
					Upper:       fb.Upper,
					Precision:   fb.Precision,
				})
				s.lower = append(s.lower, fb.Lower)
				s.upper = append(s.upper, fb.Upper)
			}
		}
	}

	if len(s.defs) == 0 {
		return nil, apperr.Configuration("calibration", "no parameters to calibrate")
	}
	return s, nil
}

func checkDescriptorColumns(section string, ds []Descriptor) error {
	seen := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		col := strings.TrimSpace(d.Column)
		if col == "" {
			return apperr.Configuration("calibration", "section %q: descriptor without a column", section)
		}
		if _, dup := seen[col]; dup {
			return apperr.Configuration("calibration", "section %q: descriptor column %q repeated", section, col)
		}
		seen[col] = struct{}{}
	}
	return nil
}

// Len returns the number of parameters.
func (s *Space) Len() int { return len(s.defs) }

// Definitions returns a copy of the ordered definitions.
func (s *Space) Definitions() []ParameterDefinition {
	out := make([]ParameterDefinition, len(s.defs))
	copy(out, s.defs)
	for i := range out {
		out[i].Descriptors = append([]Descriptor(nil), s.defs[i].Descriptors...)
	}
	return out
}

// Lower returns a copy of the lower bounds.
func (s *Space) Lower() []float64 { return append([]float64(nil), s.lower...) }

// Upper returns a copy of the upper bounds.
func (s *Space) Upper() []float64 { return append([]float64(nil), s.upper...) }

// Names returns parameter names in vector order.
func (s *Space) Names() []string {
	names := make([]string, len(s.defs))
	for i, d := range s.defs {
		names[i] = d.Name
	}
	return names
}

// IndexOf returns the vector index of a parameter, or -1.
func (s *Space) IndexOf(section, rowKey, field string) int {
	if i, ok := s.index[indexKey(section, rowKey, field)]; ok {
		return i
	}
	return -1
}

// Decode maps a candidate vector onto per-row updates by walking the
// definitions in lockstep with x. Vectors come from an optimizer configured
// with this space's bounds, so only the length is checked.
func (s *Space) Decode(x []float64) (*Update, error) {
	if len(x) != len(s.defs) {
		return nil, apperr.E(apperr.KindEvaluation, "calibration", "Decode",
			fmt.Errorf("vector has %d values, space has %d parameters", len(x), len(s.defs)))
	}

	u := NewUpdate()
	for i, d := range s.defs {
		u.Set(d, x[i])
	}
	return u, nil
}
