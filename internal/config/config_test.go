package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the settings file at an empty temporary location.
func isolate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	t.Setenv(SettingsEnv, path)
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 12, cfg.Campaign.PopulationSize)
	assert.Equal(t, 3, cfg.Campaign.Generations)
	assert.Equal(t, 2, cfg.Campaign.ReservedCPUs)
	assert.Equal(t, time.Duration(0), cfg.Model.Timeout)
	assert.Empty(t, cfg.Status.Addr)
}

func TestLoadFromEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("SHETRAN_EXECUTABLE", "/opt/shetran/shetran")
	t.Setenv("SHETRAN_PREPARE_EXECUTABLE", "/opt/shetran/prepare")
	t.Setenv("SHETRAN_TIMEOUT", "45m")
	t.Setenv("CAL_WORKERS", "4")
	t.Setenv("CAL_SEED", "99")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/opt/shetran/shetran", cfg.Model.SimulatorPath)
	assert.Equal(t, "/opt/shetran/prepare", cfg.Model.PreprocessorPath)
	assert.Equal(t, 45*time.Minute, cfg.Model.Timeout)
	assert.Equal(t, 4, cfg.WorkerCount())
	assert.Equal(t, uint64(99), cfg.Campaign.Seed)
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"negative workers", "CAL_WORKERS", "-1"},
		{"tiny population", "CAL_POPULATION", "1"},
		{"zero generations", "CAL_GENERATIONS", "0"},
		{"negative timeout", "SHETRAN_TIMEOUT", "-5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			t.Setenv(tt.key, tt.val)
			cfg, err := Load()
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadRejectsUnparseableValues(t *testing.T) {
	isolate(t)
	t.Setenv("CAL_WORKERS", "many")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadDefersValidationToOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CAL_POPULATION", "1")

	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())

	cfg.Campaign.PopulationSize = 16
	assert.NoError(t, cfg.Validate())
}

func TestSettingsFileUnderEnvironment(t *testing.T) {
	path := isolate(t)
	s := &Settings{
		SimulatorPath:    "/opt/shetran/shetran",
		PreprocessorPath: "/opt/shetran/prepare",
		Timeout:          90 * time.Minute,
	}
	require.NoError(t, s.Save(path))

	got, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, s, got)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/opt/shetran/shetran", cfg.Model.SimulatorPath)
	assert.Equal(t, "/opt/shetran/prepare", cfg.Model.PreprocessorPath)
	assert.Equal(t, 90*time.Minute, cfg.Model.Timeout)

	t.Setenv("SHETRAN_EXECUTABLE", "/usr/local/bin/shetran")
	t.Setenv("SHETRAN_TIMEOUT", "0s")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/shetran", cfg.Model.SimulatorPath)
	assert.Equal(t, "/opt/shetran/prepare", cfg.Model.PreprocessorPath)
	assert.Equal(t, time.Duration(0), cfg.Model.Timeout)
}

func TestLoadSettings(t *testing.T) {
	dir := t.TempDir()

	s, err := LoadSettings(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Settings{}, s)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("timeout: [1, 2]\n"), 0o644))
	_, err = LoadSettings(bad)
	assert.Error(t, err)

	assert.Error(t, (&Settings{Timeout: -time.Second}).Save(filepath.Join(dir, "neg.yaml")))
}

func TestWorkerCountReservesCPUs(t *testing.T) {
	cfg := &Config{}
	cfg.Campaign.ReservedCPUs = 2
	want := runtime.NumCPU() - 2
	if want < 1 {
		want = 1
	}
	assert.Equal(t, want, cfg.WorkerCount())

	cfg.Campaign.ReservedCPUs = runtime.NumCPU() + 10
	assert.Equal(t, 1, cfg.WorkerCount())
}

func TestProjectPaths(t *testing.T) {
	p := ProjectPaths("/data/tay/")
	assert.Equal(t, "/data/tay", p.Root)
	assert.Equal(t, filepath.Join("/data/tay", "calibration.yaml"), p.Calibration)
	assert.Equal(t, filepath.Join("/data/tay", "runs"), p.Runs)
	assert.Equal(t, filepath.Join("/data/tay", "checkpoint.json"), p.Checkpoint)
	assert.Equal(t, filepath.Join("/data/tay", "results.csv"), p.Ledger)
}
