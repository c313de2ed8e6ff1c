package modelconfig

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/copyleftdev/hydrocal/internal/calibration"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

// ConfigMismatchError reports an update that does not resolve to exactly one
// row and column of the master configuration.
type ConfigMismatchError struct {
	Section string
	Row     string
	Field   string
	Reason  string
}

func (e *ConfigMismatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "config mismatch in section %q", e.Section)
	if e.Row != "" {
		fmt.Fprintf(&b, " row [%s]", e.Row)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// ApplyUpdate returns a deep copy of master with every field in update
// replaced. Rows are matched by equality of their full descriptor set, never
// by position. master is not modified.
func ApplyUpdate(master *Document, update *calibration.Update) (*Document, error) {
	out := master.Clone()
	if update.Empty() {
		return out, nil
	}

	for _, sectionName := range update.SectionNames() {
		sec, ok := out.Section(sectionName)
		if !ok {
			return nil, mismatch(&ConfigMismatchError{Section: sectionName, Reason: "no such section"})
		}
		rows := update.Sections[sectionName]
		for _, key := range sortedKeys(rows) {
			ru := rows[key]
			row, err := sec.match(ru.Descriptors)
			if err != nil {
				return nil, mismatch(err)
			}
			for _, field := range sortedKeys(ru.Fields) {
				if err := sec.setField(row, key, field, ru.Fields[field]); err != nil {
					return nil, mismatch(err)
				}
			}
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mismatch(err error) error {
	return apperr.E(apperr.KindEvaluation, "modelconfig", "ApplyUpdate", err)
}

// match finds the single row whose descriptor columns equal ds.
func (s *Section) match(ds []calibration.Descriptor) (*Row, error) {
	key := calibration.DescriptorKey(ds)
	cols := make([]int, len(ds))
	for i, d := range ds {
		c, ok := s.Column(d.Column)
		if !ok {
			return nil, &ConfigMismatchError{Section: s.Name, Row: key,
				Reason: fmt.Sprintf("no descriptor column %q", d.Column)}
		}
		cols[i] = c
	}

	var found *Row
	count := 0
	for _, r := range s.Rows {
		if rowMatches(r, ds, cols) {
			found = r
			count++
		}
	}

	switch count {
	case 0:
		return nil, &ConfigMismatchError{Section: s.Name, Row: key, Reason: "no row matches descriptors"}
	case 1:
		return found, nil
	default:
		return nil, &ConfigMismatchError{Section: s.Name, Row: key,
			Reason: fmt.Sprintf("%d rows match descriptors", count)}
	}
}

func rowMatches(r *Row, ds []calibration.Descriptor, cols []int) bool {
	for i, d := range ds {
		if cols[i] >= len(r.cells) || r.cells[cols[i]].Text() != strings.TrimSpace(d.Value) {
			return false
		}
	}
	return true
}

func (s *Section) setField(r *Row, key, field string, fv calibration.FieldValue) error {
	col, ok := s.Column(field)
	if !ok {
		return &ConfigMismatchError{Section: s.Name, Row: key, Field: field, Reason: "no such column"}
	}
	if col >= len(r.cells) {
		return &ConfigMismatchError{Section: s.Name, Row: key, Field: field, Reason: "row is shorter than header"}
	}
	cell, err := formatCell(r.cells[col], fv)
	if err != nil {
		return &ConfigMismatchError{Section: s.Name, Row: key, Field: field, Reason: err.Error()}
	}
	r.cells[col] = cell
	return nil
}

// formatCell writes v with the template cell's decimal places (or the
// override), keeping its surrounding whitespace and minimum width.
func formatCell(c Cell, fv calibration.FieldValue) (Cell, error) {
	if math.IsNaN(fv.Value) || math.IsInf(fv.Value, 0) {
		return c, fmt.Errorf("value %v is not finite", fv.Value)
	}
	token := c.Text()
	if _, err := strconv.ParseFloat(token, 64); err != nil {
		return c, fmt.Errorf("template value %q is not numeric", token)
	}

	var text string
	switch {
	case fv.Precision != nil:
		text = strconv.FormatFloat(fv.Value, 'f', *fv.Precision, 64)
	case strings.ContainsAny(token, "eE"):
		text = strconv.FormatFloat(fv.Value, 'E', mantissaDigits(token), 64)
	default:
		text = strconv.FormatFloat(fv.Value, 'f', decimals(token), 64)
	}
	text = trimNegativeZero(text)

	lead := c.raw[:strings.Index(c.raw, token)]
	trail := c.raw[len(lead)+len(token):]
	raw := lead + text + trail
	if pad := len(c.raw) - len(raw); pad > 0 {
		raw = strings.Repeat(" ", pad) + raw
	}
	return Cell{raw: raw}, nil
}

// decimals counts digits after the decimal point.
func decimals(token string) int {
	if i := strings.IndexByte(token, '.'); i >= 0 {
		return len(token) - i - 1
	}
	return 0
}

// mantissaDigits counts fractional mantissa digits of an exponent literal.
func mantissaDigits(token string) int {
	mantissa := token[:strings.IndexAny(token, "eE")]
	return decimals(mantissa)
}

func trimNegativeZero(s string) string {
	if !strings.HasPrefix(s, "-") {
		return s
	}
	if strings.Trim(s[1:], "0.") == "" {
		return s[1:]
	}
	return s
}

// Value reads a numeric field of the row identified by ds.
func (d *Document) Value(section string, ds []calibration.Descriptor, field string) (float64, error) {
	sec, ok := d.Section(section)
	if !ok {
		return 0, &ConfigMismatchError{Section: section, Reason: "no such section"}
	}
	row, err := sec.match(ds)
	if err != nil {
		return 0, err
	}
	col, ok := sec.Column(field)
	if !ok || col >= len(row.cells) {
		return 0, &ConfigMismatchError{Section: section, Row: calibration.DescriptorKey(ds), Field: field, Reason: "no such column"}
	}
	return row.cells[col].Float()
}

// Validate checks at startup that every parameter of space resolves to
// exactly one row and a numeric column of master, and that no two
// parameters resolve to the same cell. Failures are configuration errors.
func Validate(master *Document, space *calibration.Space) error {
	type cellRef struct {
		row *Row
		col int
	}
	owners := make(map[cellRef]string)

	for _, def := range space.Definitions() {
		fail := func(err error) error {
			return apperr.E(apperr.KindConfiguration, "modelconfig", "Validate", err).
				WithMessage(fmt.Sprintf("parameter %q", def.Name))
		}

		sec, ok := master.Section(def.Section)
		if !ok {
			return fail(&ConfigMismatchError{Section: def.Section, Reason: "no such section"})
		}
		row, err := sec.match(def.Descriptors)
		if err != nil {
			return fail(err)
		}
		key := calibration.DescriptorKey(def.Descriptors)
		col, ok := sec.Column(def.Field)
		if !ok || col >= len(row.cells) {
			return fail(&ConfigMismatchError{Section: def.Section, Row: key, Field: def.Field, Reason: "no such column"})
		}
		if _, err := row.cells[col].Float(); err != nil {
			return fail(&ConfigMismatchError{Section: def.Section, Row: key, Field: def.Field, Reason: err.Error()})
		}

		ref := cellRef{row: row, col: col}
		if other, dup := owners[ref]; dup {
			return fail(&ConfigMismatchError{Section: def.Section, Row: key, Field: def.Field,
				Reason: fmt.Sprintf("same cell as parameter %q", other)})
		}
		owners[ref] = def.Name
	}
	return nil
}
