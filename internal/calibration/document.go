// Package calibration turns a calibration-bounds document into the ordered
// parameter space searched by the optimizer, and decodes candidate vectors
// back into per-row configuration updates.
package calibration

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

// Document is the parsed calibration-bounds file.
type Document struct {
	Catchment  string          `yaml:"catchment"`
	Model      ModelSpec       `yaml:"model"`
	Evaluation EvaluationSpec  `yaml:"evaluation"`
	Sections   []SectionBounds `yaml:"sections"`
}

// ModelSpec names the files a run reads and writes inside its sandbox.
type ModelSpec struct {
	// LibraryFile is the master configuration, relative to the template dir.
	LibraryFile string `yaml:"library_file"`
	// ControlFile is the run-control file the preprocessor writes.
	ControlFile string `yaml:"control_file"`
	// OutputFile is the simulated discharge series the simulator writes.
	OutputFile string `yaml:"output_file"`
	// SimulationStart is the timestamp of the first simulated value.
	SimulationStart Date `yaml:"simulation_start"`
	// Timestep between simulated values; defaults to one day.
	Timestep time.Duration `yaml:"timestep"`
}

// EvaluationSpec configures scoring.
type EvaluationSpec struct {
	WindowStart         Date `yaml:"window_start"`
	WindowEnd           Date `yaml:"window_end"`
	ObservedHeaderLines *int `yaml:"observed_header_lines"`
}

// SectionBounds lists the tunable rows of one configuration table.
type SectionBounds struct {
	Name string      `yaml:"name"`
	Rows []RowBounds `yaml:"rows"`
}

// RowBounds identifies one row by its descriptors and bounds its fields.
type RowBounds struct {
	Descriptors []Descriptor `yaml:"descriptors"`
	Fields      FieldBounds  `yaml:"fields"`
}

// Descriptor is one identifying column/value pair of a row.
type Descriptor struct {
	Column string `yaml:"column"`
	Value  string `yaml:"value"`
}

// FieldBound is the search interval of one field. Precision, when set,
// overrides the decimal places the template uses for that cell.
type FieldBound struct {
	Field     string
	Lower     float64
	Upper     float64
	Precision *int
}

// FieldBounds keeps fields in document order.
type FieldBounds []FieldBound

// UnmarshalYAML decodes a mapping of field name to either `[lower, upper]`
// or `{bounds: [lower, upper], precision: n}`, preserving key order.
func (f *FieldBounds) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: fields must be a mapping", node.Line)
	}

	out := make(FieldBounds, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]

		fb := FieldBound{Field: key.Value}
		var bounds []float64
		switch val.Kind {
		case yaml.SequenceNode:
			if err := val.Decode(&bounds); err != nil {
				return fmt.Errorf("line %d: field %q: %w", val.Line, key.Value, err)
			}
		case yaml.MappingNode:
			var detailed struct {
				Bounds    []float64 `yaml:"bounds"`
				Precision *int      `yaml:"precision"`
			}
			if err := val.Decode(&detailed); err != nil {
				return fmt.Errorf("line %d: field %q: %w", val.Line, key.Value, err)
			}
			bounds = detailed.Bounds
			fb.Precision = detailed.Precision
		default:
			return fmt.Errorf("line %d: field %q: expected [lower, upper]", val.Line, key.Value)
		}

		if len(bounds) != 2 {
			return fmt.Errorf("line %d: field %q: expected exactly two bounds, got %d", val.Line, key.Value, len(bounds))
		}
		fb.Lower, fb.Upper = bounds[0], bounds[1]
		out = append(out, fb)
	}

	*f = out
	return nil
}

// Date is a calendar date in YYYY-MM-DD form.
type Date struct {
	time.Time
}

// UnmarshalYAML parses YYYY-MM-DD or RFC 3339.
func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, node.Value); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("line %d: invalid date %q", node.Line, node.Value)
}

// DefaultObservedHeaderLines is the header length of the reference
// observed-flow format.
const DefaultObservedHeaderLines = 20

// HeaderLines returns the observed header skip count.
func (e EvaluationSpec) HeaderLines() int {
	if e.ObservedHeaderLines == nil {
		return DefaultObservedHeaderLines
	}
	return *e.ObservedHeaderLines
}

// LoadDocument reads and validates a calibration-bounds file. JSON documents
// are accepted as YAML.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "calibration", "LoadDocument", err)
	}
	return ParseDocument(data)
}

// ParseDocument parses and validates document bytes.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "calibration", "ParseDocument", err).
			WithMessage("malformed calibration document")
	}
	if doc.Model.Timestep == 0 {
		doc.Model.Timestep = 24 * time.Hour
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the parts of the document that do not depend on the
// master configuration.
func (d *Document) Validate() error {
	bad := func(format string, args ...interface{}) error {
		return apperr.Configuration("calibration", format, args...)
	}

	if d.Model.LibraryFile == "" {
		return bad("model.library_file is required")
	}
	if d.Model.ControlFile == "" {
		return bad("model.control_file is required")
	}
	if d.Model.OutputFile == "" {
		return bad("model.output_file is required")
	}
	if d.Model.SimulationStart.IsZero() {
		return bad("model.simulation_start is required")
	}
	if d.Model.Timestep < 0 {
		return bad("model.timestep must be positive")
	}
	if d.Evaluation.WindowStart.IsZero() || d.Evaluation.WindowEnd.IsZero() {
		return bad("evaluation.window_start and evaluation.window_end are required")
	}
	if d.Evaluation.WindowEnd.Before(d.Evaluation.WindowStart.Time) {
		return bad("evaluation window ends before it starts")
	}
	if d.Evaluation.HeaderLines() < 0 {
		return bad("evaluation.observed_header_lines must not be negative")
	}
	if len(d.Sections) == 0 {
		return bad("no sections to calibrate")
	}

	for _, s := range d.Sections {
		if s.Name == "" {
			return bad("section without a name")
		}
		if len(s.Rows) == 0 {
			return bad("section %q has no rows", s.Name)
		}
		for _, r := range s.Rows {
			if len(r.Descriptors) == 0 {
				return bad("section %q: row without descriptors", s.Name)
			}
			if len(r.Fields) == 0 {
				return bad("section %q row %s: no fields", s.Name, DescriptorKey(r.Descriptors))
			}
			for _, f := range r.Fields {
				if math.IsNaN(f.Lower) || math.IsNaN(f.Upper) || math.IsInf(f.Lower, 0) || math.IsInf(f.Upper, 0) {
					return bad("section %q field %q: bounds must be finite", s.Name, f.Field)
				}
				if f.Lower > f.Upper {
					return bad("section %q field %q: lower bound %g exceeds upper bound %g", s.Name, f.Field, f.Lower, f.Upper)
				}
				if f.Precision != nil && *f.Precision < 0 {
					return bad("section %q field %q: precision must not be negative", s.Name, f.Field)
				}
			}
		}
	}
	return nil
}
