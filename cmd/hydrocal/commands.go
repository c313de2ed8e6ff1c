package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hydrocal/internal/config"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
	"github.com/copyleftdev/hydrocal/internal/logging"
)

// --- Global Command Variables ---
var (
	cfg    *config.Config
	logger *logging.Logger

	logLevel string
	debug    bool

	// optimise overrides; zero values keep the environment setting
	resume       bool
	workers      int
	generations  int
	population   int
	seed         uint64
	statusAddr   string
	simulator    string
	preprocessor string
	timeout      time.Duration

	// best
	objectiveName string
	limit         int

	rootCmd = &cobra.Command{
		Use:   "hydrocal",
		Short: "Multi-objective calibration harness for SHETRAN catchment models",
		Long: `hydrocal searches the parameter space declared in a project's
calibration.yaml, running the SHETRAN preprocessor and simulator once per
candidate in an isolated copy of the template directory and scoring the
simulated discharge against observed flow.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setup,
	}

	optimiseCmd = &cobra.Command{
		Use:     "optimise [project-dir]",
		Short:   "Run or resume a calibration campaign",
		Aliases: []string{"optimize", "run"},
		Args:    cobra.ExactArgs(1),
		RunE:    runOptimise, // Defined in cmd_optimise.go
	}

	validateCmd = &cobra.Command{
		Use:   "validate [project-dir]",
		Short: "Check executables, calibration bounds, master configuration and observed data",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate, // Defined in cmd_validate.go
	}

	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Store executable locations in the user settings file",
		Long: `config records the simulator and preprocessor executables (and an
optional per-process timeout) in the settings file, so later commands need no
environment variables. Environment variables still take precedence. With no
flags it prints the current settings.`,
		Args: cobra.NoArgs,
		RunE: runConfig, // Defined in cmd_config.go
	}

	bestCmd = &cobra.Command{
		Use:   "best [project-dir]",
		Short: "List the best recorded runs by one objective",
		Args:  cobra.ExactArgs(1),
		RunE:  runBest, // Defined in cmd_best.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Shorthand for --log-level=debug")

	for _, c := range []*cobra.Command{optimiseCmd, validateCmd, configCmd} {
		c.Flags().StringVar(&simulator, "simulator", "", "Simulator executable; overrides SHETRAN_EXECUTABLE")
		c.Flags().StringVar(&preprocessor, "preprocessor", "", "Preprocessor executable; overrides SHETRAN_PREPARE_EXECUTABLE")
	}

	optimiseCmd.Flags().BoolVar(&resume, "resume", false, "Resume from the project's checkpoint if one exists")
	optimiseCmd.Flags().IntVar(&workers, "workers", 0, "Parallel evaluations; overrides CAL_WORKERS")
	optimiseCmd.Flags().IntVar(&generations, "generations", 0, "Generations to run in total; overrides CAL_GENERATIONS")
	optimiseCmd.Flags().IntVar(&population, "population", 0, "Candidates per generation; overrides CAL_POPULATION")
	optimiseCmd.Flags().Uint64Var(&seed, "seed", 0, "Random seed; overrides CAL_SEED")
	optimiseCmd.Flags().StringVar(&statusAddr, "status-addr", "", "Serve status and metrics on this address; overrides STATUS_ADDR")
	for _, c := range []*cobra.Command{optimiseCmd, configCmd} {
		c.Flags().DurationVar(&timeout, "timeout", 0, "Per-process time limit; overrides SHETRAN_TIMEOUT")
	}

	bestCmd.Flags().StringVar(&objectiveName, "objective", "kge", "Objective to rank by (kge, logkge, rmse)")
	bestCmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to list")

	rootCmd.AddCommand(optimiseCmd, validateCmd, bestCmd, configCmd)
}

// setup loads the settings file and environment, applies flag overrides,
// validates the result and builds the logger.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "config", "Load", err)
	}

	switch {
	case logLevel != "":
		cfg.Logging.Level = logLevel
	case debug:
		cfg.Logging.Level = "debug"
	}
	applyOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return apperr.E(apperr.KindConfiguration, "config", "Validate", err)
	}

	logger, err = logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	logger = logger.WithField("service", "hydrocal")
	return nil
}

// applyOverrides copies explicitly set flags over the environment values.
func applyOverrides(cmd *cobra.Command, c *config.Config) {
	flags := cmd.Flags()
	set := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if set("simulator") {
		c.Model.SimulatorPath = simulator
	}
	if set("preprocessor") {
		c.Model.PreprocessorPath = preprocessor
	}
	if set("timeout") {
		c.Model.Timeout = timeout
	}
	if set("workers") {
		c.Campaign.Workers = workers
	}
	if set("generations") {
		c.Campaign.Generations = generations
	}
	if set("population") {
		c.Campaign.PopulationSize = population
	}
	if set("seed") {
		c.Campaign.Seed = seed
	}
	if set("status-addr") {
		c.Status.Addr = statusAddr
	}
}
