package objective

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

var (
	simStart = time.Date(1992, 1, 1, 0, 0, 0, 0, time.UTC)
	day      = 24 * time.Hour
)

func flows(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 5 + 4*math.Sin(float64(i)/3) + float64(i%4)
	}
	return out
}

func writeObserved(t *testing.T, start time.Time, values []float64, missing map[int]bool) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "# header line %d\n", i)
	}
	for i, v := range values {
		date := start.Add(time.Duration(i) * day).Format("2006-01-02")
		if missing[i] {
			fmt.Fprintf(&b, "%s,\n", date)
			continue
		}
		fmt.Fprintf(&b, "%s,%g,A\n", date, v)
	}
	path := filepath.Join(t.TempDir(), "observed.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func writeSimulated(t *testing.T, values []float64) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("discharge at outlet\n")
	for _, v := range values {
		fmt.Fprintf(&b, "%g\n", v)
	}
	path := filepath.Join(t.TempDir(), "output_discharge_sim_regulartimestep.txt")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func opts(windowDays int) Options {
	return Options{
		HeaderLines:     20,
		SimulationStart: simStart,
		Timestep:        day,
		Window: Window{
			Start: simStart,
			End:   simStart.Add(time.Duration(windowDays-1) * day),
		},
	}
}

func TestScoreIdenticalSeriesIsPerfect(t *testing.T) {
	values := flows(30)
	v, err := Score(writeObserved(t, simStart, values, nil), writeSimulated(t, values), opts(30))
	require.NoError(t, err)
	require.Len(t, v, 3)
	assert.InDelta(t, 0, v[0], 1e-12)
	assert.InDelta(t, 0, v[1], 1e-12)
	assert.InDelta(t, 0, v[2], 1e-12)
}

func TestKnownKGE(t *testing.T) {
	obs := []float64{1, 2, 3, 4, 5}
	sim := []float64{2, 4, 6, 8, 10}

	// r = 1, alpha = 2, beta = 2
	kge, err := KGE(obs, sim)
	require.NoError(t, err)
	assert.InDelta(t, 1-math.Sqrt2, kge, 1e-12)

	rmse, err := FDCRMSE(obs, sim)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt((1+4+9+16+25)/5.0), rmse, 1e-12)
}

func TestLogKGEFloorsZeros(t *testing.T) {
	obs := []float64{0, 1, 2, 3, 4}
	sim := []float64{-1, 1, 2, 3, 4}
	kge, err := LogKGE(obs, sim)
	require.NoError(t, err)
	assert.InDelta(t, 1, kge, 1e-12)
}

func TestFDCIgnoresTimingButKGEDoesNot(t *testing.T) {
	obs := flows(40)
	sim := make([]float64, len(obs))
	for i, v := range obs {
		sim[i] = 0.9*v + 0.3
	}
	base, err := Compute(obs, sim)
	require.NoError(t, err)

	// Same permutation applied to both keeps every pairing.
	perm := make([]int, len(obs))
	for i := range perm {
		perm[i] = (i * 7) % len(obs)
	}
	pObs := make([]float64, len(obs))
	pSim := make([]float64, len(obs))
	for i, p := range perm {
		pObs[i], pSim[i] = obs[p], sim[p]
	}
	both, err := Compute(pObs, pSim)
	require.NoError(t, err)
	assert.InDeltaSlice(t, base, both, 1e-12)

	// Shuffling the simulated timestamps alone breaks pairing.
	shuffled, err := Compute(obs, pSim)
	require.NoError(t, err)
	assert.InDelta(t, base[2], shuffled[2], 1e-12)
	assert.Greater(t, shuffled[0], base[0]+1e-3)
	assert.Greater(t, shuffled[1], base[1]+1e-3)
}

func TestDegenerateObservations(t *testing.T) {
	tests := []struct {
		name string
		obs  []float64
		sim  []float64
	}{
		{"constant", []float64{3, 3, 3}, []float64{1, 2, 3}},
		{"zero mean", []float64{-1, 1, -2, 2}, []float64{1, 2, 3, 4}},
		{"nan", []float64{1, math.NaN(), 3}, []float64{1, 2, 3}},
		{"inf", []float64{1, 2, 3}, []float64{1, math.Inf(1), 3}},
		{"too short", []float64{1}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(tt.obs, tt.sim)
			assert.ErrorIs(t, err, ErrDegenerateSeries)
		})
	}

	_, err := KGE([]float64{1, 2}, []float64{1, 2, 3})
	var ae *DataAlignmentError
	assert.True(t, errors.As(err, &ae))
}

func TestAlignInterpolatesGaps(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6}
	path := writeObserved(t, simStart, values, map[int]bool{2: true, 3: true})
	points, err := readObservedFile(path, 20)
	require.NoError(t, err)
	require.Len(t, points, 6)
	assert.True(t, math.IsNaN(points[2].Value))

	obs, sim, err := Align(points, []float64{9, 9, 9, 9, 9, 9}, simStart, day, Window{Start: simStart, End: simStart.Add(5 * day)})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2, 3, 4, 5, 6}, obs, 1e-12)
	assert.Len(t, sim, 6)
}

func TestAlignWindowOffset(t *testing.T) {
	points := []Point{}
	for i := 0; i < 10; i++ {
		points = append(points, Point{Time: simStart.Add(time.Duration(i) * day), Value: float64(i)})
	}
	sim := []float64{10, 11, 12, 13, 14, 15, 16, 17, 18, 19}

	obs, got, err := Align(points, sim, simStart, day, Window{Start: simStart.Add(3 * day), End: simStart.Add(5 * day)})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 4, 5}, obs)
	assert.Equal(t, []float64{13, 14, 15}, got)
}

func TestAlignmentErrors(t *testing.T) {
	points := []Point{
		{Time: simStart.Add(1 * day), Value: 1},
		{Time: simStart.Add(2 * day), Value: 2},
		{Time: simStart.Add(3 * day), Value: 3},
	}
	sim := []float64{1, 2, 3, 4}

	tests := []struct {
		name     string
		points   []Point
		sim      []float64
		simStart time.Time
		window   Window
	}{
		{"observed starts late", points, sim, simStart, Window{Start: simStart, End: simStart.Add(2 * day)}},
		{"observed ends early", points, []float64{1, 2, 3, 4, 5, 6}, simStart, Window{Start: simStart.Add(day), End: simStart.Add(4 * day)}},
		{"simulation too short", points, sim[:2], simStart, Window{Start: simStart.Add(day), End: simStart.Add(2 * day)}},
		{"simulation starts late", points, sim, simStart.Add(2 * day), Window{Start: simStart.Add(day), End: simStart.Add(2 * day)}},
		{"off grid", points, sim, simStart.Add(time.Hour), Window{Start: simStart.Add(day), End: simStart.Add(2 * day)}},
		{"no observations", []Point{{Time: simStart, Value: math.NaN()}}, sim, simStart, Window{Start: simStart, End: simStart}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Align(tt.points, tt.sim, tt.simStart, day, tt.window)
			var ae *DataAlignmentError
			assert.True(t, errors.As(err, &ae), "got %v", err)
		})
	}
}

func TestEvaluator(t *testing.T) {
	values := flows(30)
	obsPath := writeObserved(t, simStart, values, nil)

	ev, err := NewEvaluator(obsPath, opts(30))
	require.NoError(t, err)

	v, err := ev.Score(writeSimulated(t, values))
	require.NoError(t, err)
	assert.InDelta(t, 0, v[2], 1e-12)

	_, err = ev.Score(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Equal(t, apperr.KindEvaluation, apperr.KindOf(err))

	_, err = ev.Score(writeSimulated(t, values[:10]))
	var ae *DataAlignmentError
	assert.True(t, errors.As(err, &ae))

	_, err = NewEvaluator(obsPath, opts(60))
	assert.True(t, apperr.IsConfiguration(err))
}

func TestReadSimulatedFormats(t *testing.T) {
	values, err := ReadSimulated(strings.NewReader("Flow\n1.5\n 2.5 0.0\n\n3e-1,7\n"))
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 2.5, 0.3}, values)

	_, err = ReadSimulated(strings.NewReader("Flow\nNaNx\n"))
	assert.Error(t, err)

	for _, sep := range []string{",", ",,", " , \t"} {
		_, err = ReadSimulated(strings.NewReader("Flow\n1.0\n" + sep + "\n2.0\n"))
		require.Error(t, err, "%q", sep)
		assert.Contains(t, err.Error(), "simulated line 3")
	}
}

func TestReadObservedDateFormats(t *testing.T) {
	points, err := ReadObserved(strings.NewReader("h\n02/01/1992,2\n1992-01-01,1\n"), 1)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, simStart, points[0].Time)
	assert.Equal(t, 2.0, points[1].Value)

	_, err = ReadObserved(strings.NewReader("yesterday,1\n"), 0)
	assert.Error(t, err)
}
