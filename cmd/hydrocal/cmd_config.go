package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/hydrocal/internal/config"
	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

func runConfig(cmd *cobra.Command, args []string) error {
	path, err := config.SettingsPath()
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "config", "SettingsPath", err)
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return apperr.E(apperr.KindConfiguration, "config", "LoadSettings", err)
	}

	flags := cmd.Flags()
	changed := false
	if flags.Changed("simulator") {
		if settings.SimulatorPath, err = absPath(simulator); err != nil {
			return err
		}
		changed = true
	}
	if flags.Changed("preprocessor") {
		if settings.PreprocessorPath, err = absPath(preprocessor); err != nil {
			return err
		}
		changed = true
	}
	if flags.Changed("timeout") {
		settings.Timeout = timeout
		changed = true
	}

	if changed {
		if err := settings.Save(path); err != nil {
			return apperr.E(apperr.KindConfiguration, "config", "Save", err)
		}
		logger.Info("Settings saved", map[string]interface{}{"path": path})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Settings file: %s\n", path)
	fmt.Fprintf(out, "  simulator:    %s\n", orUnset(settings.SimulatorPath))
	fmt.Fprintf(out, "  preprocessor: %s\n", orUnset(settings.PreprocessorPath))
	if settings.Timeout > 0 {
		fmt.Fprintf(out, "  timeout:      %s\n", settings.Timeout)
	} else {
		fmt.Fprintln(out, "  timeout:      none")
	}
	return nil
}

// absPath anchors a relative executable path at the working directory so the
// setting holds wherever later commands run. Empty clears the setting.
func absPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", apperr.E(apperr.KindConfiguration, "config", "absPath", err)
	}
	return abs, nil
}

func orUnset(s string) string {
	if s == "" {
		return "(not set)"
	}
	return s
}
