package objective

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DataAlignmentError reports that observed and simulated series cannot be
// brought to equal length over the evaluation window.
type DataAlignmentError struct {
	Reason string
}

func (e *DataAlignmentError) Error() string {
	return "data alignment: " + e.Reason
}

// Point is one timestamped observation. Missing values are NaN.
type Point struct {
	Time  time.Time
	Value float64
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02/01/2006",
	"02/01/2006 15:04",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// parseValue returns NaN for blank or unparseable cells.
func parseValue(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

// ReadObserved parses a reference series: headerLines are skipped, then each
// record's first two columns are date and value. Records come back sorted by
// time.
func ReadObserved(r io.Reader, headerLines int) ([]Point, error) {
	br := bufio.NewReader(r)
	for i := 0; i < headerLines; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, err
		}
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var points []Point
	line := headerLines
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("observed line %d: %w", line, err)
		}
		if len(rec) == 0 || strings.TrimSpace(rec[0]) == "" {
			continue
		}
		t, err := parseTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("observed line %d: %w", line, err)
		}
		v := math.NaN()
		if len(rec) > 1 {
			v = parseValue(rec[1])
		}
		points = append(points, Point{Time: t, Value: v})
	}

	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}

// ReadSimulated parses the simulator's output: one header line, then one
// value per line (the first whitespace- or comma-separated token).
func ReadSimulated(r io.Reader) ([]float64, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)

	var values []float64
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		tokens := strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
		if len(tokens) == 0 {
			return nil, fmt.Errorf("simulated line %d: no value in %q", line, text)
		}
		v, err := strconv.ParseFloat(tokens[0], 64)
		if err != nil {
			return nil, fmt.Errorf("simulated line %d: %w", line, err)
		}
		values = append(values, v)
	}
	return values, sc.Err()
}

// Window is the inclusive calibration period. End is a date; every timestep
// on that day is included.
type Window struct {
	Start time.Time
	End   time.Time
}

func (w Window) last() time.Time {
	return w.End.Add(24*time.Hour - time.Nanosecond)
}

// Align returns equal-length observed and simulated slices over the window.
// The simulated value i is at simStart + i*step. Observed gaps are linearly
// interpolated in time between the nearest valid neighbours; the window must
// lie within both series.
func Align(observed []Point, simulated []float64, simStart time.Time, step time.Duration, w Window) (obs, sim []float64, err error) {
	if step <= 0 {
		return nil, nil, &DataAlignmentError{Reason: "timestep must be positive"}
	}
	if w.End.Before(w.Start) {
		return nil, nil, &DataAlignmentError{Reason: "window end precedes start"}
	}

	offset := w.Start.Sub(simStart)
	if offset < 0 {
		return nil, nil, &DataAlignmentError{Reason: fmt.Sprintf("simulation starts %s, after window start %s",
			simStart.Format(time.DateOnly), w.Start.Format(time.DateOnly))}
	}
	if offset%step != 0 {
		return nil, nil, &DataAlignmentError{Reason: "window start is not on a simulation timestep"}
	}
	first := int(offset / step)
	n := int(w.last().Sub(w.Start)/step) + 1
	if first+n > len(simulated) {
		return nil, nil, &DataAlignmentError{Reason: fmt.Sprintf("simulation has %d values, window needs %d from index %d",
			len(simulated), n, first)}
	}

	valid := make([]Point, 0, len(observed))
	for _, p := range observed {
		if !math.IsNaN(p.Value) {
			valid = append(valid, p)
		}
	}
	if len(valid) == 0 {
		return nil, nil, &DataAlignmentError{Reason: "observed series has no values"}
	}

	obs = make([]float64, n)
	sim = make([]float64, n)
	copy(sim, simulated[first:first+n])

	j := 0
	for i := 0; i < n; i++ {
		t := w.Start.Add(time.Duration(i) * step)
		for j < len(valid) && valid[j].Time.Before(t) {
			j++
		}
		switch {
		case j < len(valid) && valid[j].Time.Equal(t):
			obs[i] = valid[j].Value
		case j == 0 || j == len(valid):
			return nil, nil, &DataAlignmentError{Reason: fmt.Sprintf("no observed value around %s", t.Format(time.RFC3339))}
		default:
			a, b := valid[j-1], valid[j]
			frac := float64(t.Sub(a.Time)) / float64(b.Time.Sub(a.Time))
			obs[i] = a.Value + frac*(b.Value-a.Value)
		}
	}
	return obs, sim, nil
}

func readObservedFile(path string, headerLines int) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadObserved(f, headerLines)
}

func readSimulatedFile(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSimulated(f)
}
