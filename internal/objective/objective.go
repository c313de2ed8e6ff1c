// Package objective scores simulated discharge against observations with
// three minimised objectives: 1-KGE, 1-logKGE and the flow-duration-curve
// RMSE.
package objective

import (
	"fmt"
	"time"

	"github.com/copyleftdev/hydrocal/internal/calibration"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/optimization"
)

// Options fixes the file formats and the calibration window.
type Options struct {
	HeaderLines     int
	SimulationStart time.Time
	Timestep        time.Duration
	Window          Window
}

// OptionsFrom derives scoring options from a calibration document.
func OptionsFrom(doc *calibration.Document) Options {
	return Options{
		HeaderLines:     doc.Evaluation.HeaderLines(),
		SimulationStart: doc.Model.SimulationStart.Time,
		Timestep:        doc.Model.Timestep,
		Window:          Window{Start: doc.Evaluation.WindowStart.Time, End: doc.Evaluation.WindowEnd.Time},
	}
}

// Evaluator holds the observed series so that concurrent runs share one
// read-only copy.
type Evaluator struct {
	opts     Options
	observed []Point
}

// NewEvaluator reads the observed series once. A file that cannot cover the
// window is a configuration error.
func NewEvaluator(observedPath string, opts Options) (*Evaluator, error) {
	points, err := readObservedFile(observedPath, opts.HeaderLines)
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "objective", "NewEvaluator", err)
	}
	e := &Evaluator{opts: opts, observed: points}

	// A perfect simulation must align; anything else is a setup problem.
	var probe []float64
	if opts.Timestep > 0 && !opts.Window.Start.Before(opts.SimulationStart) {
		probe = make([]float64, int(opts.Window.last().Sub(opts.SimulationStart)/opts.Timestep)+1)
	}
	if _, _, err := Align(points, probe, opts.SimulationStart, opts.Timestep, opts.Window); err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "objective", "NewEvaluator", err)
	}
	return e, nil
}

// Score reads a simulated series and returns its objective vector.
func (e *Evaluator) Score(simulatedPath string) (optimization.ObjectiveVector, error) {
	sim, err := readSimulatedFile(simulatedPath)
	if err != nil {
		return nil, apperr.E(apperr.KindEvaluation, "objective", "Score", err)
	}
	return e.ScoreValues(sim)
}

// ScoreValues scores an in-memory simulated series.
func (e *Evaluator) ScoreValues(simulated []float64) (optimization.ObjectiveVector, error) {
	obs, sim, err := Align(e.observed, simulated, e.opts.SimulationStart, e.opts.Timestep, e.opts.Window)
	if err != nil {
		return nil, apperr.E(apperr.KindEvaluation, "objective", "Score", err)
	}
	v, err := Compute(obs, sim)
	if err != nil {
		return nil, apperr.E(apperr.KindEvaluation, "objective", "Score", err)
	}
	return v, nil
}

// Score is the one-shot form of NewEvaluator followed by Evaluator.Score.
func Score(observedPath, simulatedPath string, opts Options) (optimization.ObjectiveVector, error) {
	points, err := readObservedFile(observedPath, opts.HeaderLines)
	if err != nil {
		return nil, apperr.E(apperr.KindEvaluation, "objective", "Score", err)
	}
	return (&Evaluator{opts: opts, observed: points}).Score(simulatedPath)
}

// Compute returns (1-KGE, 1-logKGE, FDC-RMSE) for aligned series.
func Compute(obs, sim []float64) (optimization.ObjectiveVector, error) {
	kge, err := KGE(obs, sim)
	if err != nil {
		return nil, fmt.Errorf("KGE: %w", err)
	}
	logKGE, err := LogKGE(obs, sim)
	if err != nil {
		return nil, fmt.Errorf("log KGE: %w", err)
	}
	rmse, err := FDCRMSE(obs, sim)
	if err != nil {
		return nil, fmt.Errorf("FDC RMSE: %w", err)
	}
	return optimization.ObjectiveVector{1 - kge, 1 - logKGE, rmse}, nil
}
