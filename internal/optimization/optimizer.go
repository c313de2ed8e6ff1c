// Package optimization defines the contract between the calibration harness
// and the multi-objective search algorithm that drives it.
package optimization

import (
	"context"
	"math"
)

// NumObjectives is the length of every ObjectiveVector.
const NumObjectives = 3

// SentinelValue scores every objective of a failed evaluation. It is large
// enough that any successful run dominates a failed one.
const SentinelValue = 1e10

// ObjectiveVector holds (1-KGE, 1-logKGE, FDC-RMSE). Lower is better for all
// three components.
type ObjectiveVector []float64

// Sentinel returns the worst-case vector reported for failed evaluations.
func Sentinel() ObjectiveVector {
	v := make(ObjectiveVector, NumObjectives)
	for i := range v {
		v[i] = SentinelValue
	}
	return v
}

// IsSentinel reports whether v is the failure score.
func (v ObjectiveVector) IsSentinel() bool {
	if len(v) != NumObjectives {
		return false
	}
	for _, x := range v {
		if x != SentinelValue {
			return false
		}
	}
	return true
}

// Valid reports whether v has the right length and only finite components.
func (v ObjectiveVector) Valid() bool {
	if len(v) != NumObjectives {
		return false
	}
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

// Dominates reports whether v Pareto-dominates w under minimization.
func (v ObjectiveVector) Dominates(w ObjectiveVector) bool {
	better := false
	for i := range v {
		if v[i] > w[i] {
			return false
		}
		if v[i] < w[i] {
			better = true
		}
	}
	return better
}

// Problem is implemented by the evaluation harness. Evaluate must be safe
// for concurrent use and must always return a valid ObjectiveVector.
type Problem interface {
	Evaluate(ctx context.Context, x []float64) ObjectiveVector
}

// ProblemFunc adapts a function to Problem.
type ProblemFunc func(ctx context.Context, x []float64) ObjectiveVector

// Evaluate calls f.
func (f ProblemFunc) Evaluate(ctx context.Context, x []float64) ObjectiveVector {
	return f(ctx, x)
}

// Optimizer is a generational ask/tell search. The campaign asks for one
// generation of candidates, evaluates all of them, then tells the scores
// back in the same order.
type Optimizer interface {
	// Ask returns the candidates of the next generation.
	Ask() [][]float64

	// Tell records the scores of the candidates returned by the last Ask.
	Tell(candidates [][]float64, scores []ObjectiveVector) error

	// Generation returns the number of completed generations.
	Generation() int

	// Front returns the current non-dominated solutions.
	Front() []Solution

	// MarshalState serializes the pure algorithm state for checkpointing.
	MarshalState() ([]byte, error)

	// UnmarshalState restores state produced by MarshalState.
	UnmarshalState(data []byte) error
}

// Bounds holds per-dimension [min, max] limits.
type Bounds [][2]float64

// NewBounds zips lower and upper limits.
func NewBounds(lower, upper []float64) Bounds {
	b := make(Bounds, len(lower))
	for i := range lower {
		b[i] = [2]float64{lower[i], upper[i]}
	}
	return b
}

// Clip returns x limited to the bounds.
func (b Bounds) Clip(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Max(b[i][0], math.Min(v, b[i][1]))
	}
	return out
}

// Contains reports whether x lies within the bounds.
func (b Bounds) Contains(x []float64) bool {
	if len(x) != len(b) {
		return false
	}
	for i, v := range x {
		if v < b[i][0] || v > b[i][1] {
			return false
		}
	}
	return true
}

// Solution represents a scored point in the parameter space.
type Solution struct {
	Parameters []float64       `json:"parameters"`
	Objectives ObjectiveVector `json:"objectives"`
}

// NonDominated returns the solutions that no other solution dominates, in
// their input order. Duplicated objective vectors are all kept.
func NonDominated(solutions []Solution) []Solution {
	front := make([]Solution, 0, len(solutions))
	for i, s := range solutions {
		dominated := false
		for j, o := range solutions {
			if i != j && o.Objectives.Dominates(s.Objectives) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, s)
		}
	}
	return front
}
