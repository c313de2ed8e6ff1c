// Package evolution is a generational multi-objective evolutionary search:
// Latin hypercube initialisation, tournament selection on Pareto rank and
// crowding distance, blend crossover and Gaussian mutation. Its whole state,
// random generator included, round-trips through MarshalState.
package evolution

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/copyleftdev/hydrocal/internal/optimization"
)

// Config holds the search settings.
type Config struct {
	Bounds         optimization.Bounds
	PopulationSize int
	Seed           uint64
	// CrossoverRate is the probability that a child blends two parents.
	CrossoverRate float64
	// MutationRate is the per-gene mutation probability; 0 means 1/dims.
	MutationRate float64
	// MutationScale is the mutation standard deviation as a fraction of each
	// dimension's range.
	MutationScale float64
}

// DefaultConfig returns the defaults for the given bounds.
func DefaultConfig(bounds optimization.Bounds) Config {
	return Config{
		Bounds:         bounds,
		PopulationSize: 12,
		Seed:           1,
		CrossoverRate:  0.9,
		MutationScale:  0.1,
	}
}

// Optimizer implements optimization.Optimizer. It is not safe for
// concurrent use; the campaign drives it from one goroutine.
type Optimizer struct {
	config     Config
	src        *rand.PCG
	rng        *rand.Rand
	population []optimization.Solution
	generation int
}

// New validates cfg and returns a fresh optimizer.
func New(cfg Config) (*Optimizer, error) {
	if len(cfg.Bounds) == 0 {
		return nil, fmt.Errorf("bounds must not be empty")
	}
	for i, b := range cfg.Bounds {
		if math.IsNaN(b[0]) || math.IsNaN(b[1]) || b[0] > b[1] {
			return nil, fmt.Errorf("invalid bounds for dimension %d: [%g, %g]", i, b[0], b[1])
		}
	}
	if cfg.PopulationSize < 2 {
		return nil, fmt.Errorf("population size must be at least 2, got %d", cfg.PopulationSize)
	}
	if cfg.CrossoverRate < 0 || cfg.CrossoverRate > 1 {
		return nil, fmt.Errorf("crossover rate must be in [0, 1], got %g", cfg.CrossoverRate)
	}
	if cfg.MutationRate < 0 || cfg.MutationRate > 1 {
		return nil, fmt.Errorf("mutation rate must be in [0, 1], got %g", cfg.MutationRate)
	}
	if cfg.MutationRate == 0 {
		cfg.MutationRate = 1 / float64(len(cfg.Bounds))
	}
	if cfg.MutationScale <= 0 {
		cfg.MutationScale = 0.1
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	return &Optimizer{config: cfg, src: src, rng: rand.New(src)}, nil
}

// Ask returns the next generation's candidates: a Latin hypercube sample
// before the first Tell, offspring of the current population afterwards.
func (o *Optimizer) Ask() [][]float64 {
	if len(o.population) == 0 {
		return o.latinHypercubeSample(o.config.PopulationSize)
	}

	keys := rankPopulation(o.population)
	out := make([][]float64, o.config.PopulationSize)
	for i := range out {
		a := o.population[o.tournament(keys)].Parameters
		child := slices.Clone(a)
		if o.rng.Float64() < o.config.CrossoverRate {
			b := o.population[o.tournament(keys)].Parameters
			child = o.blend(a, b)
		}
		o.mutate(child)
		out[i] = o.config.Bounds.Clip(child)
	}
	return out
}

// Tell merges the scored candidates into the population and keeps the best
// PopulationSize by Pareto rank and crowding distance.
func (o *Optimizer) Tell(candidates [][]float64, scores []optimization.ObjectiveVector) error {
	if len(candidates) != len(scores) {
		return fmt.Errorf("got %d candidates and %d scores", len(candidates), len(scores))
	}

	merged := make([]optimization.Solution, 0, len(o.population)+len(candidates))
	merged = append(merged, o.population...)
	for i, x := range candidates {
		if len(x) != len(o.config.Bounds) {
			return fmt.Errorf("candidate %d has %d values, want %d", i, len(x), len(o.config.Bounds))
		}
		s := scores[i]
		if !s.Valid() {
			s = optimization.Sentinel()
		}
		merged = append(merged, optimization.Solution{Parameters: slices.Clone(x), Objectives: slices.Clone(s)})
	}

	o.population = selectSurvivors(merged, o.config.PopulationSize)
	o.generation++
	return nil
}

// Generation returns the number of completed generations.
func (o *Optimizer) Generation() int { return o.generation }

// Population returns a copy of the current population.
func (o *Optimizer) Population() []optimization.Solution {
	out := make([]optimization.Solution, len(o.population))
	for i, s := range o.population {
		out[i] = optimization.Solution{Parameters: slices.Clone(s.Parameters), Objectives: slices.Clone(s.Objectives)}
	}
	return out
}

// Front returns the non-dominated members of the population, excluding
// failed runs.
func (o *Optimizer) Front() []optimization.Solution {
	var ok []optimization.Solution
	for _, s := range o.Population() {
		if !s.Objectives.IsSentinel() {
			ok = append(ok, s)
		}
	}
	return optimization.NonDominated(ok)
}

// tournament picks the better of two random members.
func (o *Optimizer) tournament(keys []rankedMember) int {
	a := o.rng.IntN(len(keys))
	b := o.rng.IntN(len(keys))
	if keys[b].better(keys[a]) {
		return b
	}
	return a
}

// blend draws each gene uniformly from the interval spanned by the parents,
// widened by half its length on both sides.
func (o *Optimizer) blend(a, b []float64) []float64 {
	child := make([]float64, len(a))
	for i := range a {
		lo, hi := math.Min(a[i], b[i]), math.Max(a[i], b[i])
		ext := 0.5 * (hi - lo)
		child[i] = lo - ext + o.rng.Float64()*(hi-lo+2*ext)
	}
	return child
}

func (o *Optimizer) mutate(x []float64) {
	for i := range x {
		if o.rng.Float64() >= o.config.MutationRate {
			continue
		}
		span := o.config.Bounds[i][1] - o.config.Bounds[i][0]
		x[i] += o.rng.NormFloat64() * o.config.MutationScale * span
	}
}

// latinHypercubeSample stratifies every dimension into n bins and places
// one sample per bin, with bins shuffled independently per dimension.
func (o *Optimizer) latinHypercubeSample(n int) [][]float64 {
	nDims := len(o.config.Bounds)
	samples := make([][]float64, n)
	for i := range samples {
		samples[i] = make([]float64, nDims)
	}

	strata := make([]float64, n)
	for d := 0; d < nDims; d++ {
		for j := range strata {
			strata[j] = (float64(j) + o.rng.Float64()) / float64(n)
		}
		o.rng.Shuffle(n, func(k, l int) { strata[k], strata[l] = strata[l], strata[k] })

		lo, hi := o.config.Bounds[d][0], o.config.Bounds[d][1]
		for j := range samples {
			samples[j][d] = lo + strata[j]*(hi-lo)
		}
	}
	return samples
}

type state struct {
	Bounds         optimization.Bounds     `json:"bounds"`
	PopulationSize int                     `json:"population_size"`
	CrossoverRate  float64                 `json:"crossover_rate"`
	MutationRate   float64                 `json:"mutation_rate"`
	MutationScale  float64                 `json:"mutation_scale"`
	Generation     int                     `json:"generation"`
	Population     []optimization.Solution `json:"population"`
	RNG            []byte                  `json:"rng"`
}

// MarshalState serializes the configuration, population, generation counter
// and random generator position.
func (o *Optimizer) MarshalState() ([]byte, error) {
	rng, err := o.src.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(state{
		Bounds:         o.config.Bounds,
		PopulationSize: o.config.PopulationSize,
		CrossoverRate:  o.config.CrossoverRate,
		MutationRate:   o.config.MutationRate,
		MutationScale:  o.config.MutationScale,
		Generation:     o.generation,
		Population:     o.population,
		RNG:            rng,
	})
}

// UnmarshalState restores a MarshalState snapshot. The bounds must match the
// optimizer's; the search settings come from the snapshot.
func (o *Optimizer) UnmarshalState(data []byte) error {
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decoding optimizer state: %w", err)
	}
	if !slices.Equal(st.Bounds, o.config.Bounds) {
		return fmt.Errorf("optimizer state was saved with different bounds")
	}
	if st.PopulationSize < 2 {
		return fmt.Errorf("optimizer state has population size %d", st.PopulationSize)
	}
	for i, s := range st.Population {
		if len(s.Parameters) != len(o.config.Bounds) || len(s.Objectives) != optimization.NumObjectives {
			return fmt.Errorf("optimizer state: population member %d is malformed", i)
		}
	}

	src := &rand.PCG{}
	if err := src.UnmarshalBinary(st.RNG); err != nil {
		return fmt.Errorf("restoring random generator: %w", err)
	}

	o.config.PopulationSize = st.PopulationSize
	o.config.CrossoverRate = st.CrossoverRate
	o.config.MutationRate = st.MutationRate
	o.config.MutationScale = st.MutationScale
	o.generation = st.Generation
	o.population = st.Population
	o.src = src
	o.rng = rand.New(src)
	return nil
}

var _ optimization.Optimizer = (*Optimizer)(nil)
