// Package runner invokes the model's preprocessor and simulator executables
// inside a sandbox.
package runner

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DefaultStderrLimit caps the captured standard error per process.
const DefaultStderrLimit = 64 << 10

// Result describes one subprocess invocation. Err is set whenever OK is
// false; it is a value for the caller to record, never something to unwind.
type Result struct {
	OK       bool
	ExitCode int
	Stderr   string
	Duration time.Duration
	Err      error
}

// Runner spawns model executables. The zero value is not usable; call New.
type Runner struct {
	logger      *zap.Logger
	timeout     time.Duration
	stderrLimit int
}

// Option configures a Runner.
type Option func(*Runner)

// WithTimeout bounds each process. Zero waits indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithStderrLimit overrides DefaultStderrLimit.
func WithStderrLimit(n int) Option {
	return func(r *Runner) { r.stderrLimit = n }
}

// New returns a Runner logging through logger (nil disables logging).
func New(logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{logger: logger.Named("runner"), stderrLimit: DefaultStderrLimit}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunPreprocessor runs `<exe> <configPath>` with workDir as the working
// directory.
func (r *Runner) RunPreprocessor(ctx context.Context, exe, configPath, workDir string) Result {
	return r.run(ctx, "preprocess", exe, resolve(workDir, configPath), workDir, configPath)
}

// RunSimulator runs `<exe> -f <controlFile>` with workDir as the working
// directory.
func (r *Runner) RunSimulator(ctx context.Context, exe, controlFile, workDir string) Result {
	return r.run(ctx, "simulate", exe, resolve(workDir, controlFile), workDir, "-f", controlFile)
}

func resolve(workDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}

func (r *Runner) run(ctx context.Context, stage, exe, input, workDir string, args ...string) Result {
	log := r.logger.With(zap.String("stage", stage), zap.String("dir", workDir))

	if err := checkExecutable(exe); err != nil {
		log.Warn("executable unavailable", zap.String("exe", exe), zap.Error(err))
		return Result{ExitCode: -1, Err: err}
	}
	if _, err := os.Stat(input); err != nil {
		log.Warn("input file missing", zap.String("input", input), zap.Error(err))
		return Result{ExitCode: -1, Err: fmt.Errorf("input file: %w", err)}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	stderr := &limitedBuffer{limit: r.stderrLimit}
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Dir = workDir
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{Duration: time.Since(start), Stderr: stderr.String()}

	if err == nil {
		res.OK = true
		log.Debug("process finished", zap.Duration("duration", res.Duration))
		return res
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if stderrors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	res.Err = err

	log.Warn("process failed",
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", res.Duration),
		zap.String("stderr", res.Stderr),
		zap.Error(err))
	return res
}

func checkExecutable(exe string) error {
	if exe == "" {
		return stderrors.New("executable path not configured")
	}
	info, err := os.Stat(exe)
	if err != nil {
		return fmt.Errorf("executable: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("executable %s is a directory", exe)
	}
	return nil
}

// Check reports whether exe is present and runnable; used by startup
// validation before any run is attempted.
func Check(exe string) error {
	if err := checkExecutable(exe); err != nil {
		return err
	}
	if _, err := exec.LookPath(exe); err != nil {
		return err
	}
	return nil
}
