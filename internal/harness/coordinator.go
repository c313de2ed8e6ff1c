// Package harness evaluates one candidate parameter vector end to end:
// sandbox, configuration, preprocessor, simulator, scoring and ledger. It is
// the Problem the optimizer calls from every worker.
package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/copyleftdev/hydrocal/internal/calibration"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/ledger"
	"github.com/copyleftdev/hydrocal/internal/logging"
	"github.com/copyleftdev/hydrocal/internal/modelconfig"
	"github.com/copyleftdev/hydrocal/internal/optimization"
	"github.com/copyleftdev/hydrocal/internal/runner"
)

// Stages of an evaluation, recorded with every failure.
const (
	StageSandbox    = "sandbox"
	StageDecode     = "decode"
	StageConfigure  = "configure"
	StagePreprocess = "preprocess"
	StageSimulate   = "simulate"
	StageOutput     = "output"
	StageScore      = "score"
	StagePanic      = "panic"
)

// Sandboxes hands out per-run directories.
type Sandboxes interface {
	Acquire(runID string) (string, error)
	Release(path string)
}

// Runner drives the model executables.
type Runner interface {
	RunPreprocessor(ctx context.Context, exe, configPath, workDir string) runner.Result
	RunSimulator(ctx context.Context, exe, controlFile, workDir string) runner.Result
}

// Scorer turns a simulated output file into objectives.
type Scorer interface {
	Score(simulatedPath string) (optimization.ObjectiveVector, error)
}

// Recorder stores run records.
type Recorder interface {
	Append(rec ledger.RunRecord) error
}

// Model names the executables and the files a run reads and writes, relative
// to the sandbox root.
type Model struct {
	Preprocessor string
	Simulator    string
	LibraryFile  string
	ControlFile  string
	OutputFile   string
}

// ModelFrom combines the executables with a calibration document's files.
func ModelFrom(preprocessor, simulator string, spec calibration.ModelSpec) Model {
	return Model{
		Preprocessor: preprocessor,
		Simulator:    simulator,
		LibraryFile:  spec.LibraryFile,
		ControlFile:  spec.ControlFile,
		OutputFile:   spec.OutputFile,
	}
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Space     *calibration.Space
	Master    *modelconfig.Document
	Model     Model
	Sandboxes Sandboxes
	Runner    Runner
	Scorer    Scorer
	Recorder  Recorder
	Metrics   *Metrics
	Logger    *logging.Logger
	// NewRunID overrides run id generation.
	NewRunID func() string
}

// Stats are running totals for progress reporting.
type Stats struct {
	Evaluations int64 `json:"evaluations"`
	Failures    int64 `json:"failures"`
}

// Coordinator implements optimization.Problem. All of its state is either
// read-only or synchronized, so Evaluate may be called concurrently.
type Coordinator struct {
	deps        Deps
	evaluations atomic.Int64
	failures    atomic.Int64
}

// New checks deps and returns a Coordinator.
func New(deps Deps) (*Coordinator, error) {
	switch {
	case deps.Space == nil:
		return nil, apperr.Configuration("harness", "parameter space is required")
	case deps.Master == nil:
		return nil, apperr.Configuration("harness", "master configuration is required")
	case deps.Sandboxes == nil, deps.Runner == nil, deps.Scorer == nil, deps.Recorder == nil:
		return nil, apperr.Configuration("harness", "sandboxes, runner, scorer and recorder are required")
	case deps.Model.LibraryFile == "" || deps.Model.ControlFile == "" || deps.Model.OutputFile == "":
		return nil, apperr.Configuration("harness", "model file names are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.NewRunID == nil {
		deps.NewRunID = NewRunID
	}
	deps.Logger = deps.Logger.WithField("component", "harness")
	return &Coordinator{deps: deps}, nil
}

// NewRunID returns a short random token.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Stats returns the totals so far.
func (c *Coordinator) Stats() Stats {
	return Stats{Evaluations: c.evaluations.Load(), Failures: c.failures.Load()}
}

// Evaluate runs one candidate and returns its objectives, or the sentinel
// vector if anything failed. It never panics and never returns an error;
// exactly one ledger record is written per call and the sandbox is always
// released.
func (c *Coordinator) Evaluate(ctx context.Context, x []float64) optimization.ObjectiveVector {
	runID := c.deps.NewRunID()
	log := c.deps.Logger.WithField("run_id", runID)
	start := time.Now()

	c.deps.Metrics.inFlight.Inc()
	defer c.deps.Metrics.inFlight.Dec()

	var sandbox string
	objectives, stage, err := c.run(ctx, log, runID, x, &sandbox)

	if err == nil && !acceptable(objectives) {
		stage, err = StageScore, fmt.Errorf("objectives %v out of range", objectives)
	}

	rec := ledger.RunRecord{RunID: runID, Parameters: slices.Clone(x)}
	status := "ok"
	if err != nil {
		objectives = optimization.Sentinel()
		rec.Failed, rec.Stage, rec.Reason = true, stage, err.Error()
		status = stage
		c.failures.Add(1)
		log.WithError(err).Warn("Evaluation failed", map[string]interface{}{"stage": stage})
	} else {
		log.Info("Evaluation finished", map[string]interface{}{
			"objectives": []float64(objectives),
			"duration":   time.Since(start).String(),
		})
	}
	rec.Objectives = objectives
	rec.Timestamp = time.Now().UTC()

	safely(log, func() { _ = c.deps.Recorder.Append(rec) })
	if sandbox != "" {
		safely(log, func() { c.deps.Sandboxes.Release(sandbox) })
	}

	c.evaluations.Add(1)
	c.deps.Metrics.evaluations.WithLabelValues(status).Inc()
	c.deps.Metrics.duration.Observe(time.Since(start).Seconds())
	return slices.Clone(objectives)
}

// safely runs fn, logging instead of propagating a panic.
func safely(log *logging.Logger, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			apperr.Recover(log, "harness", rec)
		}
	}()
	fn()
}

// acceptable checks the objective floors: 1-KGE and 1-logKGE are >= 0 by
// construction and RMSE is non-negative.
func acceptable(v optimization.ObjectiveVector) bool {
	if !v.Valid() {
		return false
	}
	for _, x := range v {
		if x < 0 {
			return false
		}
	}
	return true
}

// run performs steps up to scoring. The sandbox path is reported through
// sandbox as soon as it exists so the caller can release it even after a
// panic.
func (c *Coordinator) run(ctx context.Context, log *logging.Logger, runID string, x []float64, sandbox *string) (v optimization.ObjectiveVector, stage string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			v, stage, err = nil, StagePanic, apperr.Recover(log, "harness", rec)
		}
	}()

	dir, err := c.deps.Sandboxes.Acquire(runID)
	if err != nil {
		return nil, StageSandbox, err
	}
	*sandbox = dir

	update, err := c.deps.Space.Decode(x)
	if err != nil {
		return nil, StageDecode, err
	}

	cfg, err := modelconfig.ApplyUpdate(c.deps.Master, update)
	if err != nil {
		return nil, StageConfigure, err
	}
	libraryPath := filepath.Join(dir, c.deps.Model.LibraryFile)
	if err := cfg.WriteFile(libraryPath); err != nil {
		return nil, StageConfigure, err
	}

	log.Debug("Running preprocessor", map[string]interface{}{"stage": StagePreprocess})
	if res := c.deps.Runner.RunPreprocessor(ctx, c.deps.Model.Preprocessor, libraryPath, dir); !res.OK {
		return nil, StagePreprocess, resultError(res)
	}

	log.Debug("Running simulator", map[string]interface{}{"stage": StageSimulate})
	if res := c.deps.Runner.RunSimulator(ctx, c.deps.Model.Simulator, c.deps.Model.ControlFile, dir); !res.OK {
		return nil, StageSimulate, resultError(res)
	}

	// The output file, not the exit code, is the authoritative success signal.
	outputPath := filepath.Join(dir, c.deps.Model.OutputFile)
	if _, err := os.Stat(outputPath); err != nil {
		return nil, StageOutput, fmt.Errorf("simulator output missing: %w", err)
	}

	v, err = c.deps.Scorer.Score(outputPath)
	if err != nil {
		return nil, StageScore, err
	}
	return v, "", nil
}

func resultError(res runner.Result) error {
	if res.Err == nil {
		return fmt.Errorf("exit code %d", res.ExitCode)
	}
	if res.ExitCode > 0 {
		return fmt.Errorf("exit code %d: %w", res.ExitCode, res.Err)
	}
	return res.Err
}

var _ optimization.Problem = (*Coordinator)(nil)
