// Package campaign drives an optimizer generation by generation: every
// candidate of a generation is evaluated on a bounded worker pool, the
// generation is a barrier, and the optimizer state is checkpointed before
// the next one starts.
package campaign

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/copyleftdev/hydrocal/internal/checkpoint"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/logging"
	"github.com/copyleftdev/hydrocal/internal/optimization"
)

// States reported by Status.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateStopped  = "stopped"
	StateFinished = "finished"
)

// Config holds the collaborators and limits of a campaign.
type Config struct {
	Problem   optimization.Problem
	Optimizer optimization.Optimizer
	// Checkpoints may be nil, in which case nothing is persisted.
	Checkpoints *checkpoint.Store
	// Parameters are the ordered parameter names, saved with every
	// checkpoint and checked on resume.
	Parameters  []string
	Generations int
	Workers     int
	Registerer  prometheus.Registerer
	Logger      *logging.Logger
}

// Status is a point-in-time view of the campaign.
type Status struct {
	State       string                  `json:"state"`
	Generation  int                     `json:"generation"`
	Generations int                     `json:"generations"`
	Evaluated   int                     `json:"evaluated"`
	Workers     int                     `json:"workers"`
	StartedAt   time.Time               `json:"started_at,omitempty"`
	Elapsed     string                  `json:"elapsed"`
	Front       []optimization.Solution `json:"front"`
}

// Summary is returned by Run.
type Summary struct {
	Generations int
	Evaluated   int
	Elapsed     time.Duration
	Interrupted bool
	Front       []optimization.Solution
}

// Campaign runs the search. Run must not be called concurrently; Status
// may be called from any goroutine.
type Campaign struct {
	cfg    Config
	logger *logging.Logger

	generation prometheus.Gauge

	mu        sync.RWMutex
	state     string
	gen       int
	evaluated int
	started   time.Time
	front     []optimization.Solution
}

// New validates cfg.
func New(cfg Config) (*Campaign, error) {
	switch {
	case cfg.Problem == nil:
		return nil, apperr.Configuration("campaign", "problem is required")
	case cfg.Optimizer == nil:
		return nil, apperr.Configuration("campaign", "optimizer is required")
	case cfg.Generations < 1:
		return nil, apperr.Configuration("campaign", "generations must be at least 1, got %d", cfg.Generations)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	c := &Campaign{
		cfg:    cfg,
		logger: cfg.Logger.WithField("component", "campaign"),
		state:  StateIdle,
		generation: promauto.With(cfg.Registerer).NewGauge(prometheus.GaugeOpts{
			Name: "hydrocal_generation",
			Help: "Completed optimizer generations",
		}),
	}
	return c, nil
}

// Resume restores the optimizer from the checkpoint, if there is one. The
// live problem, worker pool and ledger stay those of this process.
func (c *Campaign) Resume() (bool, error) {
	if c.cfg.Checkpoints == nil {
		return false, nil
	}
	snap, found, err := c.cfg.Checkpoints.Load()
	if err != nil || !found {
		return false, err
	}
	if err := snap.CheckParameters(c.cfg.Parameters); err != nil {
		return false, err
	}
	if err := c.cfg.Optimizer.UnmarshalState(snap.State); err != nil {
		return false, apperr.E(apperr.KindConfiguration, "campaign", "Resume", err)
	}

	c.mu.Lock()
	c.gen = c.cfg.Optimizer.Generation()
	c.evaluated = snap.Evaluated
	c.front = c.cfg.Optimizer.Front()
	c.mu.Unlock()
	c.generation.Set(float64(c.cfg.Optimizer.Generation()))

	c.logger.Info("Resumed from checkpoint", map[string]interface{}{
		"path":       c.cfg.Checkpoints.Path(),
		"generation": snap.Generation,
		"evaluated":  snap.Evaluated,
		"saved_at":   snap.SavedAt,
	})
	return true, nil
}

// Run evaluates generations until the configured number is complete or ctx
// is cancelled. Cancellation is honoured between generations only: the
// generation in progress finishes with an uncancelled context, is told to the
// optimizer and checkpointed, and then Run returns with Interrupted set.
func (c *Campaign) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	c.mu.Lock()
	c.state, c.started = StateRunning, start
	c.gen = c.cfg.Optimizer.Generation()
	c.mu.Unlock()

	opt := c.cfg.Optimizer
	interrupted := false
	for opt.Generation() < c.cfg.Generations {
		if ctx.Err() != nil {
			interrupted = true
			break
		}

		genStart := time.Now()
		candidates := opt.Ask()
		scores := c.evaluate(context.WithoutCancel(ctx), candidates)
		if err := opt.Tell(candidates, scores); err != nil {
			c.setState(StateStopped)
			return Summary{}, apperr.E(apperr.KindConfiguration, "campaign", "Tell", err)
		}

		failed := 0
		for _, s := range scores {
			if s.IsSentinel() {
				failed++
			}
		}
		front := opt.Front()

		c.mu.Lock()
		c.gen = opt.Generation()
		c.evaluated += len(candidates)
		c.front = front
		evaluated := c.evaluated
		c.mu.Unlock()
		c.generation.Set(float64(opt.Generation()))

		c.save(evaluated)

		c.logger.Info("Generation complete", map[string]interface{}{
			"generation":  opt.Generation(),
			"generations": c.cfg.Generations,
			"evaluated":   len(candidates),
			"failed":      failed,
			"front_size":  len(front),
			"best":        best(front),
			"duration":    time.Since(genStart).Round(time.Millisecond).String(),
		})
	}

	elapsed := time.Since(start)
	state := StateFinished
	if interrupted {
		state = StateStopped
	}
	c.setState(state)

	sum := Summary{
		Generations: opt.Generation(),
		Evaluated:   c.Status().Evaluated,
		Elapsed:     elapsed,
		Interrupted: interrupted,
		Front:       opt.Front(),
	}
	c.logger.Info("Campaign "+state, map[string]interface{}{
		"generations": sum.Generations,
		"evaluated":   sum.Evaluated,
		"front_size":  len(sum.Front),
		"elapsed":     elapsed.Round(time.Second).String(),
	})
	return sum, nil
}

// evaluate runs every candidate on the worker pool and waits for all of
// them. Problem.Evaluate never fails, so the group never cancels.
func (c *Campaign) evaluate(ctx context.Context, candidates [][]float64) []optimization.ObjectiveVector {
	scores := make([]optimization.ObjectiveVector, len(candidates))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, x := range candidates {
		g.Go(func() error {
			scores[i] = c.cfg.Problem.Evaluate(ctx, x)
			return nil
		})
	}
	_ = g.Wait()
	return scores
}

// save checkpoints the optimizer. A failed save is logged; the previous
// checkpoint stays intact.
func (c *Campaign) save(evaluated int) {
	if c.cfg.Checkpoints == nil {
		return
	}
	state, err := c.cfg.Optimizer.MarshalState()
	if err == nil {
		err = c.cfg.Checkpoints.Save(checkpoint.Snapshot{
			Parameters: c.cfg.Parameters,
			Generation: c.cfg.Optimizer.Generation(),
			Evaluated:  evaluated,
			State:      state,
		})
	}
	if err != nil {
		c.logger.WithError(err).Error("Failed to write checkpoint", map[string]interface{}{
			"path": c.cfg.Checkpoints.Path(),
		})
	}
}

func (c *Campaign) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Status returns a snapshot safe to serialize.
func (c *Campaign) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		State:       c.state,
		Generation:  c.gen,
		Generations: c.cfg.Generations,
		Evaluated:   c.evaluated,
		Workers:     c.cfg.Workers,
		StartedAt:   c.started,
		Front:       make([]optimization.Solution, len(c.front)),
	}
	if !c.started.IsZero() {
		st.Elapsed = time.Since(c.started).Round(time.Second).String()
	}
	for i, s := range c.front {
		st.Front[i] = optimization.Solution{Parameters: slices.Clone(s.Parameters), Objectives: slices.Clone(s.Objectives)}
	}
	return st
}

// best returns the per-objective minimum over front.
func best(front []optimization.Solution) []float64 {
	if len(front) == 0 {
		return nil
	}
	out := slices.Clone([]float64(front[0].Objectives))
	for _, s := range front[1:] {
		for i, v := range s.Objectives {
			out[i] = min(out[i], v)
		}
	}
	return out
}
