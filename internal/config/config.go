package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config holds operator settings read from the settings file and the
// environment. Everything that describes the model itself lives in the
// project's calibration document.
type Config struct {
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Model struct {
		SimulatorPath    string `env:"SHETRAN_EXECUTABLE"`
		PreprocessorPath string `env:"SHETRAN_PREPARE_EXECUTABLE"`
		// Timeout bounds a single subprocess; zero waits indefinitely.
		Timeout time.Duration `env:"SHETRAN_TIMEOUT" envDefault:"0s"`
	}
	Campaign struct {
		Workers        int    `env:"CAL_WORKERS" envDefault:"0"`
		ReservedCPUs   int    `env:"CAL_RESERVED_CPUS" envDefault:"2"`
		PopulationSize int    `env:"CAL_POPULATION" envDefault:"12"`
		Generations    int    `env:"CAL_GENERATIONS" envDefault:"3"`
		Seed           uint64 `env:"CAL_SEED" envDefault:"1"`
	}
	Status struct {
		// Addr enables the HTTP status server when non-empty, e.g. ":9090".
		Addr            string        `env:"STATUS_ADDR"`
		ShutdownTimeout time.Duration `env:"STATUS_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	}
}

// Load builds a Config from the settings file (see SettingsPath) overlaid
// by the environment. It does not validate: callers apply their own
// overrides first and then call Validate.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Without a user configuration directory there is no settings file.
	path, err := SettingsPath()
	if err != nil {
		return cfg, nil
	}
	settings, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	settings.applyTo(cfg)
	return cfg, nil
}

// Validate checks value ranges that env tags cannot express.
func (c *Config) Validate() error {
	if c.Campaign.Workers < 0 {
		return fmt.Errorf("CAL_WORKERS must be >= 0, got %d", c.Campaign.Workers)
	}
	if c.Campaign.ReservedCPUs < 0 {
		return fmt.Errorf("CAL_RESERVED_CPUS must be >= 0, got %d", c.Campaign.ReservedCPUs)
	}
	if c.Campaign.PopulationSize < 2 {
		return fmt.Errorf("CAL_POPULATION must be >= 2, got %d", c.Campaign.PopulationSize)
	}
	if c.Campaign.Generations < 1 {
		return fmt.Errorf("CAL_GENERATIONS must be >= 1, got %d", c.Campaign.Generations)
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("SHETRAN_TIMEOUT must not be negative, got %s", c.Model.Timeout)
	}
	return nil
}

// WorkerCount returns the evaluation pool size: the explicit setting, or the
// available CPUs minus the reserved margin, never less than one.
func (c *Config) WorkerCount() int {
	if c.Campaign.Workers > 0 {
		return c.Campaign.Workers
	}
	n := runtime.NumCPU() - c.Campaign.ReservedCPUs
	if n < 1 {
		n = 1
	}
	return n
}

// Paths is the on-disk layout of a calibration project directory.
type Paths struct {
	Root        string
	Calibration string
	Observed    string
	Template    string
	Runs        string
	Ledger      string
	Index       string
	Checkpoint  string
}

// ProjectPaths derives the standard layout below root.
func ProjectPaths(root string) Paths {
	root = filepath.Clean(root)
	return Paths{
		Root:        root,
		Calibration: filepath.Join(root, "calibration.yaml"),
		Observed:    filepath.Join(root, "observed.csv"),
		Template:    filepath.Join(root, "template"),
		Runs:        filepath.Join(root, "runs"),
		Ledger:      filepath.Join(root, "results.csv"),
		Index:       filepath.Join(root, "runs.db"),
		Checkpoint:  filepath.Join(root, "checkpoint.json"),
	}
}

// SettingsEnv names the variable that relocates the settings file.
const SettingsEnv = "HYDROCAL_SETTINGS"

// Settings are the executable locations persisted by `hydrocal config`.
// Environment variables take precedence over them.
type Settings struct {
	SimulatorPath    string        `yaml:"shetran_executable,omitempty"`
	PreprocessorPath string        `yaml:"shetran_prepare_executable,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
}

// SettingsPath returns $HYDROCAL_SETTINGS, or settings.yaml in the user's
// configuration directory.
func SettingsPath() (string, error) {
	if p := os.Getenv(SettingsEnv); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating settings file: %w", err)
	}
	return filepath.Join(dir, "hydrocal", "settings.yaml"), nil
}

// LoadSettings reads path. A missing file yields empty settings.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return s, nil
}

// Save writes the settings to path, creating its directory.
func (s *Settings) Save(path string) error {
	if s.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", s.Timeout)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return os.Rename(tmp, path)
}

// applyTo fills fields whose environment variable is unset or empty.
func (s *Settings) applyTo(c *Config) {
	unset := func(key string) bool {
		return os.Getenv(key) == ""
	}
	if s.SimulatorPath != "" && unset("SHETRAN_EXECUTABLE") {
		c.Model.SimulatorPath = s.SimulatorPath
	}
	if s.PreprocessorPath != "" && unset("SHETRAN_PREPARE_EXECUTABLE") {
		c.Model.PreprocessorPath = s.PreprocessorPath
	}
	if s.Timeout != 0 && unset("SHETRAN_TIMEOUT") {
		c.Model.Timeout = s.Timeout
	}
}
