package objective

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// LogFloor is the flow floor applied before taking logarithms.
const LogFloor = 0.001

// ErrDegenerateSeries is returned when a metric is undefined for the input:
// constant or zero-mean observations, or non-finite values.
var ErrDegenerateSeries = errors.New("degenerate series")

func checkPair(obs, sim []float64) error {
	if len(obs) != len(sim) {
		return &DataAlignmentError{Reason: fmt.Sprintf("series lengths differ: %d observed, %d simulated", len(obs), len(sim))}
	}
	if len(obs) < 2 {
		return fmt.Errorf("%w: need at least two values, got %d", ErrDegenerateSeries, len(obs))
	}
	for i := range obs {
		if !finite(obs[i]) || !finite(sim[i]) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrDegenerateSeries, i)
		}
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// KGE returns the Kling-Gupta efficiency of sim against obs.
func KGE(obs, sim []float64) (float64, error) {
	if err := checkPair(obs, sim); err != nil {
		return 0, err
	}

	meanObs, stdObs := stat.MeanStdDev(obs, nil)
	meanSim, stdSim := stat.MeanStdDev(sim, nil)
	if stdObs == 0 {
		return 0, fmt.Errorf("%w: observed series is constant", ErrDegenerateSeries)
	}
	if meanObs == 0 {
		return 0, fmt.Errorf("%w: observed mean is zero", ErrDegenerateSeries)
	}

	var r float64
	if stdSim == 0 {
		// A flat simulation carries no timing information.
		r = 0
	} else {
		r = stat.Correlation(obs, sim, nil)
	}
	alpha := stdSim / stdObs
	beta := meanSim / meanObs

	kge := 1 - math.Sqrt((r-1)*(r-1)+(alpha-1)*(alpha-1)+(beta-1)*(beta-1))
	if !finite(kge) {
		return 0, fmt.Errorf("%w: KGE is not finite", ErrDegenerateSeries)
	}
	return kge, nil
}

// LogKGE is KGE on log(max(x, LogFloor)) of both series.
func LogKGE(obs, sim []float64) (float64, error) {
	if err := checkPair(obs, sim); err != nil {
		return 0, err
	}
	return KGE(logFloored(obs), logFloored(sim))
}

func logFloored(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Log(math.Max(x, LogFloor))
	}
	return out
}

// FDCRMSE is the root-mean-square error between the flow duration curves of
// obs and sim: each series sorted descending on its own, so timing is
// ignored.
func FDCRMSE(obs, sim []float64) (float64, error) {
	if err := checkPair(obs, sim); err != nil {
		return 0, err
	}
	o := descending(obs)
	s := descending(sim)
	return floats.Distance(o, s, 2) / math.Sqrt(float64(len(o))), nil
}

func descending(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	floats.Reverse(out)
	return out
}
