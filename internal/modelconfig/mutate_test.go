package modelconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/hydrocal/internal/calibration"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

const library = `<?xml version=1.0?>
<ShetranInput>
<ProjectFile>Tay</ProjectFile>
<CatchmentName>Tay</CatchmentName>
<VegMap>Tay_LandCover.asc</VegMap>
<VegetationDetails>
<VegetationDetail>Veg Type #, Vegetation Type, Canopy storage capacity (mm), Leaf area index, Maximum rooting depth(m)</VegetationDetail>
<VegetationDetail>1, Grass, 1.5, 1.0, 1.0</VegetationDetail>
<VegetationDetail>2, Forest, 5.0, 4.0, 1.6</VegetationDetail>
<VegetationDetail>3, Grass, 1.2, 1.5, 0.8</VegetationDetail>
</VegetationDetails>
<SoilProperties>
<SoilProperty>Soil Number,Soil Type, Saturated Water Content, Residual Water Content, Saturated Conductivity (m/day), vanGenuchten- alpha (cm-1), vanGenuchten-n</SoilProperty>
<SoilProperty>1, LoamySand, 0.385, 0.04, 0.500, 0.0328, 1.2</SoilProperty>
<SoilProperty>2, Clay, 0.481, 0.09, 1.2E-02, 0.0198, 1.1</SoilProperty>
</SoilProperties>
<InitialConditions>0</InitialConditions>
</ShetranInput>
`

func parse(t *testing.T, text string) *Document {
	t.Helper()
	doc, err := Parse(strings.NewReader(text))
	require.NoError(t, err)
	return doc
}

func ds(pairs ...string) []calibration.Descriptor {
	out := make([]calibration.Descriptor, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, calibration.Descriptor{Column: pairs[i], Value: pairs[i+1]})
	}
	return out
}

func updateOf(section string, descriptors []calibration.Descriptor, field string, v float64, precision *int) *calibration.Update {
	u := calibration.NewUpdate()
	u.Set(calibration.ParameterDefinition{
		Section:     section,
		Descriptors: descriptors,
		Field:       field,
		Precision:   precision,
	}, v)
	return u
}

func TestParseSections(t *testing.T) {
	doc := parse(t, library)
	assert.Equal(t, []string{"VegetationDetails", "SoilProperties"}, doc.SectionNames())

	veg, ok := doc.Section("VegetationDetails")
	require.True(t, ok)
	assert.Equal(t, "VegetationDetail", veg.RowTag)
	assert.Len(t, veg.Rows, 3)
	assert.Equal(t, "Leaf area index", veg.Columns()[3])

	_, ok = doc.Section("ShetranInput")
	assert.False(t, ok)
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"lf", library},
		{"crlf", strings.ReplaceAll(library, "\n", "\r\n")},
		{"no trailing newline", strings.TrimSuffix(library, "\n")},
		{"indented", strings.ReplaceAll(library, "<Veg", "  <Veg")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := parse(t, tt.text)
			assert.Equal(t, tt.text, string(doc.Bytes()))

			out, err := ApplyUpdate(doc, calibration.NewUpdate())
			require.NoError(t, err)
			assert.Equal(t, tt.text, string(out.Bytes()))
		})
	}
}

func TestEmptyUpdateReturnsDistinctCopy(t *testing.T) {
	master := parse(t, library)
	out, err := ApplyUpdate(master, nil)
	require.NoError(t, err)

	assert.Equal(t, master, out)
	assert.NotSame(t, master, out)

	sec, _ := out.Section("VegetationDetails")
	msec, _ := master.Section("VegetationDetails")
	assert.NotSame(t, msec.Rows[0], sec.Rows[0])
}

func TestApplyUpdateKeepsTemplateDecimals(t *testing.T) {
	master := parse(t, library)
	before := string(master.Bytes())

	u := updateOf("VegetationDetails", ds("Veg Type #", "2", "Vegetation Type", "Forest"),
		"Canopy storage capacity (mm)", 3.14159, nil)
	out, err := ApplyUpdate(master, u)
	require.NoError(t, err)

	got, err := out.Value("VegetationDetails", ds("Veg Type #", "2", "Vegetation Type", "Forest"), "Canopy storage capacity (mm)")
	require.NoError(t, err)
	assert.Equal(t, 3.1, got)
	assert.Contains(t, string(out.Bytes()), "<VegetationDetail>2, Forest, 3.1, 4.0, 1.6</VegetationDetail>")

	// only the target line changes
	assert.Equal(t, before, string(master.Bytes()))
	outLines := strings.Split(string(out.Bytes()), "\n")
	masterLines := strings.Split(before, "\n")
	require.Len(t, outLines, len(masterLines))
	diff := 0
	for i := range outLines {
		if outLines[i] != masterLines[i] {
			diff++
		}
	}
	assert.Equal(t, 1, diff)
}

func TestApplyUpdatePrecisionOverride(t *testing.T) {
	master := parse(t, library)
	precision := 3
	u := updateOf("VegetationDetails", ds("Veg Type #", "1", "Vegetation Type", "Grass"),
		"Leaf area index", 2.71828, &precision)

	out, err := ApplyUpdate(master, u)
	require.NoError(t, err)
	assert.Contains(t, string(out.Bytes()), "<VegetationDetail>1, Grass, 1.5, 2.718, 1.0</VegetationDetail>")
}

func TestApplyUpdateExponentAndWidth(t *testing.T) {
	master := parse(t, library)

	u := updateOf("SoilProperties", ds("Soil Number", "2"), "Saturated Conductivity (m/day)", 0.0346, nil)
	out, err := ApplyUpdate(master, u)
	require.NoError(t, err)
	assert.Contains(t, string(out.Bytes()), "<SoilProperty>2, Clay, 0.481, 0.09, 3.5E-02, 0.0198, 1.1</SoilProperty>")

	u = updateOf("SoilProperties", ds("Soil Number", "1"), "Saturated Conductivity (m/day)", 0, intPtr(0))
	out, err = ApplyUpdate(master, u)
	require.NoError(t, err)
	assert.Contains(t, string(out.Bytes()), "<SoilProperty>1, LoamySand, 0.385, 0.04,     0, 0.0328, 1.2</SoilProperty>")
}

func intPtr(v int) *int { return &v }

func TestDescriptorMatchingIgnoresRowOrder(t *testing.T) {
	reordered := strings.Replace(library,
		"<VegetationDetail>1, Grass, 1.5, 1.0, 1.0</VegetationDetail>\n<VegetationDetail>2, Forest, 5.0, 4.0, 1.6</VegetationDetail>",
		"<VegetationDetail>2, Forest, 5.0, 4.0, 1.6</VegetationDetail>\n<VegetationDetail>1, Grass, 1.5, 1.0, 1.0</VegetationDetail>", 1)
	require.NotEqual(t, library, reordered)

	for _, text := range []string{library, reordered} {
		master := parse(t, text)
		u := updateOf("VegetationDetails", ds("Veg Type #", "1", "Vegetation Type", "Grass"), "Leaf area index", 2.5, nil)
		out, err := ApplyUpdate(master, u)
		require.NoError(t, err)

		got, err := out.Value("VegetationDetails", ds("Vegetation Type", "Grass", "Veg Type #", "1"), "Leaf area index")
		require.NoError(t, err)
		assert.Equal(t, 2.5, got)

		other, err := out.Value("VegetationDetails", ds("Veg Type #", "3", "Vegetation Type", "Grass"), "Leaf area index")
		require.NoError(t, err)
		assert.Equal(t, 1.5, other)
	}
}

func TestApplyUpdateMismatch(t *testing.T) {
	master := parse(t, library)

	tests := []struct {
		name string
		u    *calibration.Update
	}{
		{"unknown section", updateOf("Nope", ds("id", "1"), "x", 1, nil)},
		{"unknown descriptor column", updateOf("SoilProperties", ds("Soil ID", "1"), "Saturated Water Content", 0.3, nil)},
		{"no matching row", updateOf("SoilProperties", ds("Soil Number", "9"), "Saturated Water Content", 0.3, nil)},
		{"ambiguous row", updateOf("VegetationDetails", ds("Vegetation Type", "Grass"), "Leaf area index", 2, nil)},
		{"unknown field", updateOf("SoilProperties", ds("Soil Number", "1"), "Porosity", 0.3, nil)},
		{"non numeric template", updateOf("SoilProperties", ds("Soil Number", "1"), "Soil Type", 0.3, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyUpdate(master, tt.u)
			require.Error(t, err)
			var mm *ConfigMismatchError
			assert.True(t, apperr.As(err, &mm), "got %v", err)
			assert.Equal(t, apperr.KindEvaluation, apperr.KindOf(err))
		})
	}
}

func TestValidateAgainstSpace(t *testing.T) {
	master := parse(t, library)

	good := &calibration.Document{Sections: []calibration.SectionBounds{{
		Name: "VegetationDetails",
		Rows: []calibration.RowBounds{{
			Descriptors: ds("Veg Type #", "1", "Vegetation Type", "Grass"),
			Fields:      calibration.FieldBounds{{Field: "Leaf area index", Lower: 0.5, Upper: 6}},
		}},
	}}}
	space, err := calibration.Build(good)
	require.NoError(t, err)
	assert.NoError(t, Validate(master, space))

	good.Sections[0].Rows[0].Fields[0].Field = "Leaf area"
	space, err = calibration.Build(good)
	require.NoError(t, err)
	err = Validate(master, space)
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
}

func TestValidateRejectsParametersSharingACell(t *testing.T) {
	master := parse(t, library)

	doc := &calibration.Document{Sections: []calibration.SectionBounds{{
		Name: "VegetationDetails",
		Rows: []calibration.RowBounds{
			{
				Descriptors: ds("Veg Type #", "1"),
				Fields:      calibration.FieldBounds{{Field: "Leaf area index", Lower: 0, Upper: 1}},
			},
			{
				Descriptors: ds("Veg Type #", "1", "Vegetation Type", "Grass"),
				Fields:      calibration.FieldBounds{{Field: "Leaf area index", Lower: 7, Upper: 8}},
			},
		},
	}}}
	space, err := calibration.Build(doc)
	require.NoError(t, err)

	err = Validate(master, space)
	require.Error(t, err)
	assert.True(t, apperr.IsConfiguration(err))
	assert.Contains(t, err.Error(), "same cell")

	// Distinct fields of the same row are fine.
	doc.Sections[0].Rows[1].Fields[0].Field = "Canopy storage capacity (mm)"
	space, err = calibration.Build(doc)
	require.NoError(t, err)
	assert.NoError(t, Validate(master, space))
}

func TestApplyUpdateIsDeterministic(t *testing.T) {
	master := parse(t, library)

	doc := &calibration.Document{Sections: []calibration.SectionBounds{{
		Name: "VegetationDetails",
		Rows: []calibration.RowBounds{
			{
				Descriptors: ds("Veg Type #", "1"),
				Fields:      calibration.FieldBounds{{Field: "Leaf area index", Lower: 0, Upper: 1}},
			},
			{
				Descriptors: ds("Veg Type #", "1", "Vegetation Type", "Grass"),
				Fields:      calibration.FieldBounds{{Field: "Leaf area index", Lower: 7, Upper: 8}},
			},
			{
				Descriptors: ds("Veg Type #", "2"),
				Fields: calibration.FieldBounds{
					{Field: "Leaf area index", Lower: 0, Upper: 9},
					{Field: "Canopy storage capacity (mm)", Lower: 0, Upper: 9},
				},
			},
		},
	}}}
	space, err := calibration.Build(doc)
	require.NoError(t, err)

	var first string
	for i := 0; i < 50; i++ {
		u, err := space.Decode([]float64{0.25, 7.75, 3.5, 6.5})
		require.NoError(t, err)
		out, err := ApplyUpdate(master, u)
		require.NoError(t, err)
		if i == 0 {
			first = string(out.Bytes())
			continue
		}
		require.Equal(t, first, string(out.Bytes()))
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"repeated column", "<S>\n<R>a, a</R>\n<R>1, 2</R>\n</S>\n"},
		{"repeated section", "<S>\n<R>a</R>\n</S>\n<S>\n<R>a</R>\n</S>\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.text))
			require.Error(t, err)
			assert.True(t, apperr.IsConfiguration(err))
		})
	}
}

func TestWriteFileAndLoad(t *testing.T) {
	master := parse(t, library)
	path := filepath.Join(t.TempDir(), "Tay_LibraryFile.xml")
	require.NoError(t, master.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, library, string(data))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, master.SectionNames(), loaded.SectionNames())

	_, err = Load(filepath.Join(t.TempDir(), "missing.xml"))
	assert.True(t, apperr.IsConfiguration(err))
}
