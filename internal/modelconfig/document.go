// Package modelconfig reads, mutates and writes the model's XML library
// file. Only the tabular sections are interpreted; every other line is kept
// verbatim so a document with no updates serializes byte-identically.
package modelconfig

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

type itemKind uint8

const (
	itemLiteral itemKind = iota
	itemHeader
	itemRow
)

// item is one physical line of the document.
type item struct {
	kind    itemKind
	text    string // literal content, without terminator
	eol     string
	section int
	row     int
}

// Document is the parsed master configuration. Treat it as read-only once
// loaded; use Clone or ApplyUpdate to obtain a private copy.
type Document struct {
	items    []item
	sections []*Section
	byName   map[string]int
}

// Section is a named table: a header row naming the columns followed by
// data rows.
type Section struct {
	Name    string
	RowTag  string
	header  *Row
	columns map[string]int
	Rows    []*Row
}

// Row is one `<Tag>a, b, c</Tag>` line.
type Row struct {
	prefix string
	suffix string
	cells  []Cell
}

// Cell is one comma-separated value including its surrounding whitespace.
type Cell struct {
	raw string
}

// Text returns the trimmed cell content.
func (c Cell) Text() string { return strings.TrimSpace(c.raw) }

// Float parses the cell as a number.
func (c Cell) Float() (float64, error) {
	return strconv.ParseFloat(c.Text(), 64)
}

// Cells returns a copy of the row's cells.
func (r *Row) Cells() []Cell { return append([]Cell(nil), r.cells...) }

func (r *Row) render() string {
	var b strings.Builder
	b.WriteString(r.prefix)
	for i, c := range r.cells {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.raw)
	}
	b.WriteString(r.suffix)
	return b.String()
}

func (r *Row) clone() *Row {
	return &Row{prefix: r.prefix, suffix: r.suffix, cells: append([]Cell(nil), r.cells...)}
}

// Columns returns the header column names in order.
func (s *Section) Columns() []string {
	out := make([]string, len(s.header.cells))
	for i, c := range s.header.cells {
		out[i] = c.Text()
	}
	return out
}

// Column returns the index of a named column.
func (s *Section) Column(name string) (int, bool) {
	i, ok := s.columns[strings.TrimSpace(name)]
	return i, ok
}

// Load reads a library file from disk.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "modelconfig", "Load", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a library document. A section is an element whose opening tag
// stands alone on its line and whose body is made of single-line children
// sharing one tag (see scanSection); the first child is the header row.
func Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "modelconfig", "Parse", err)
	}

	lines := splitLines(data)
	doc := &Document{byName: make(map[string]int)}

	var cur *Section
	curIdx := -1
	for i := 0; i < len(lines); i++ {
		content, eol := lines[i][0], lines[i][1]

		if cur != nil {
			trimmed := strings.TrimSpace(content)
			if trimmed == "</"+cur.Name+">" {
				doc.items = append(doc.items, item{kind: itemLiteral, text: content, eol: eol})
				cur, curIdx = nil, -1
				continue
			}
			if row, ok := parseRow(content, cur.RowTag); ok {
				if cur.header == nil {
					if err := cur.setHeader(row); err != nil {
						return nil, err
					}
					doc.items = append(doc.items, item{kind: itemHeader, eol: eol, section: curIdx})
				} else {
					cur.Rows = append(cur.Rows, row)
					doc.items = append(doc.items, item{kind: itemRow, eol: eol, section: curIdx, row: len(cur.Rows) - 1})
				}
				continue
			}
			doc.items = append(doc.items, item{kind: itemLiteral, text: content, eol: eol})
			continue
		}

		if name, isOpen := openTag(content); isOpen {
			if tag, ok := scanSection(lines, i, name); ok {
				if _, dup := doc.byName[name]; dup {
					return nil, apperr.Configuration("modelconfig", "section %q appears twice", name)
				}
				cur = &Section{Name: name, RowTag: tag}
				curIdx = len(doc.sections)
				doc.sections = append(doc.sections, cur)
				doc.byName[name] = curIdx
			}
		}
		doc.items = append(doc.items, item{kind: itemLiteral, text: content, eol: eol})
	}

	if cur != nil {
		return nil, apperr.Configuration("modelconfig", "section %q is not closed", cur.Name)
	}
	return doc, nil
}

// scanSection reports whether the element opened on line i is a table: one
// or more single-line children sharing one tag, optionally separated by
// blank lines, followed by the matching close tag.
func scanSection(lines [][2]string, i int, name string) (string, bool) {
	var tag string
	for j := i + 1; j < len(lines); j++ {
		content := lines[j][0]
		trimmed := strings.TrimSpace(content)
		switch {
		case trimmed == "":
			continue
		case trimmed == "</"+name+">":
			return tag, tag != ""
		}
		child, ok := childTag(content)
		if !ok || child == name || (tag != "" && child != tag) {
			return "", false
		}
		tag = child
	}
	return "", false
}

func (s *Section) setHeader(row *Row) error {
	s.header = row
	s.columns = make(map[string]int, len(row.cells))
	for i, c := range row.cells {
		name := c.Text()
		if _, dup := s.columns[name]; dup {
			return apperr.Configuration("modelconfig", "section %q: column %q repeated in header", s.Name, name)
		}
		s.columns[name] = i
	}
	return nil
}

// splitLines returns (content, terminator) pairs; the terminator is "\n",
// "\r\n" or "" for a final unterminated line.
func splitLines(data []byte) [][2]string {
	var out [][2]string
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			out = append(out, [2]string{string(data), ""})
			break
		}
		line := data[:idx]
		eol := "\n"
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
			eol = "\r\n"
		}
		out = append(out, [2]string{string(line), eol})
		data = data[idx+1:]
	}
	return out
}

func isTagName(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}

// openTag reports whether the line is a bare `<Name>`.
func openTag(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if len(t) < 3 || t[0] != '<' || t[len(t)-1] != '>' {
		return "", false
	}
	name := t[1 : len(t)-1]
	return name, isTagName(name)
}

// childTag reports whether the line is a one-line `<Tag>...</Tag>` element.
func childTag(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if !strings.HasPrefix(t, "<") {
		return "", false
	}
	end := strings.IndexByte(t, '>')
	if end < 0 {
		return "", false
	}
	tag := t[1:end]
	if !isTagName(tag) || !strings.HasSuffix(t, "</"+tag+">") || len(t) < 2*len(tag)+5 {
		return "", false
	}
	return tag, true
}

func parseRow(line, tag string) (*Row, bool) {
	open, closing := "<"+tag+">", "</"+tag+">"
	start := strings.Index(line, open)
	if start < 0 || strings.TrimSpace(line[:start]) != "" {
		return nil, false
	}
	end := strings.LastIndex(line, closing)
	if end < start+len(open) || strings.TrimSpace(line[end+len(closing):]) != "" {
		return nil, false
	}

	body := line[start+len(open) : end]
	parts := strings.Split(body, ",")
	cells := make([]Cell, len(parts))
	for i, p := range parts {
		cells[i] = Cell{raw: p}
	}
	return &Row{
		prefix: line[:start+len(open)],
		suffix: line[end:],
		cells:  cells,
	}, true
}

// Section returns a section by name.
func (d *Document) Section(name string) (*Section, bool) {
	i, ok := d.byName[name]
	if !ok {
		return nil, false
	}
	return d.sections[i], true
}

// SectionNames returns section names in document order.
func (d *Document) SectionNames() []string {
	out := make([]string, len(d.sections))
	for i, s := range d.sections {
		out[i] = s.Name
	}
	return out
}

// Clone returns a deep copy sharing no mutable state with d.
func (d *Document) Clone() *Document {
	out := &Document{
		items:    append([]item(nil), d.items...),
		sections: make([]*Section, len(d.sections)),
		byName:   make(map[string]int, len(d.byName)),
	}
	for k, v := range d.byName {
		out.byName[k] = v
	}
	for i, s := range d.sections {
		cs := &Section{
			Name:    s.Name,
			RowTag:  s.RowTag,
			header:  s.header.clone(),
			columns: make(map[string]int, len(s.columns)),
			Rows:    make([]*Row, len(s.Rows)),
		}
		for k, v := range s.columns {
			cs.columns[k] = v
		}
		for j, r := range s.Rows {
			cs.Rows[j] = r.clone()
		}
		out.sections[i] = cs
	}
	return out
}

// Serialize writes the document in library-file format.
func (d *Document) Serialize(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, it := range d.items {
		var line string
		switch it.kind {
		case itemHeader:
			line = d.sections[it.section].header.render()
		case itemRow:
			line = d.sections[it.section].Rows[it.row].render()
		default:
			line = it.text
		}
		if _, err := bw.WriteString(line); err != nil {
			return err
		}
		if _, err := bw.WriteString(it.eol); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Bytes serializes the document into memory.
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	_ = d.Serialize(&buf)
	return buf.Bytes()
}

// WriteFile serializes the document to path.
func (d *Document) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return apperr.E(apperr.KindEvaluation, "modelconfig", "WriteFile", err)
	}
	if err := d.Serialize(f); err != nil {
		f.Close()
		return apperr.E(apperr.KindEvaluation, "modelconfig", "WriteFile", err)
	}
	if err := f.Close(); err != nil {
		return apperr.E(apperr.KindEvaluation, "modelconfig", "WriteFile", err)
	}
	return nil
}

// String implements fmt.Stringer for debugging.
func (d *Document) String() string {
	return fmt.Sprintf("modelconfig.Document{sections: %v}", d.SectionNames())
}
