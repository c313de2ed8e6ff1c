package main

import (
	"os"
	"path/filepath"

	"github.com/copyleftdev/hydrocal/internal/calibration"
	"github.com/copyleftdev/hydrocal/internal/config"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/modelconfig"
	"github.com/copyleftdev/hydrocal/internal/objective"
	"github.com/copyleftdev/hydrocal/internal/runner"
)

// project is everything loaded from a project directory before any run.
type project struct {
	paths     config.Paths
	doc       *calibration.Document
	space     *calibration.Space
	master    *modelconfig.Document
	evaluator *objective.Evaluator
}

// loadProject reads and cross-checks the calibration document, the master
// configuration and the observed series. Every failure is a configuration
// error.
func loadProject(dir string) (*project, error) {
	paths := config.ProjectPaths(dir)
	if info, err := os.Stat(paths.Root); err != nil || !info.IsDir() {
		return nil, apperr.Configuration("project", "%s is not a directory", paths.Root)
	}

	doc, err := calibration.LoadDocument(paths.Calibration)
	if err != nil {
		return nil, err
	}
	space, err := calibration.Build(doc)
	if err != nil {
		return nil, err
	}

	master, err := modelconfig.Load(filepath.Join(paths.Template, doc.Model.LibraryFile))
	if err != nil {
		return nil, apperr.E(apperr.KindConfiguration, "project", "loadProject", err)
	}
	if err := modelconfig.Validate(master, space); err != nil {
		return nil, err
	}

	evaluator, err := objective.NewEvaluator(paths.Observed, objective.OptionsFrom(doc))
	if err != nil {
		return nil, err
	}

	return &project{paths: paths, doc: doc, space: space, master: master, evaluator: evaluator}, nil
}

// checkExecutables reports a missing or non-runnable model executable
// before any sandbox is created.
func checkExecutables(c *config.Config) error {
	for _, exe := range []struct{ name, env, path string }{
		{"preprocessor", "SHETRAN_PREPARE_EXECUTABLE", c.Model.PreprocessorPath},
		{"simulator", "SHETRAN_EXECUTABLE", c.Model.SimulatorPath},
	} {
		if err := runner.Check(exe.path); err != nil {
			return apperr.E(apperr.KindConfiguration, "project", "checkExecutables", err).
				WithMessage(exe.name + " executable (" + exe.env + ")")
		}
	}
	return nil
}
