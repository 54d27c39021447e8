// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/montyhome/homectl/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts
// serving. A failure here is an unrecoverable init error.
func PerformStartupChecks(configDir string) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkConfigDir(logger, configDir); err != nil {
		return fmt.Errorf("config directory check failed: %w", err)
	}

	logger.Info().Msg("startup checks passed")
	return nil
}

// checkConfigDir verifies the config directory exists and is writable:
// atomic config saves and the sun cache both land there.
func checkConfigDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info().Str("path", path).Msg("creating config directory")
			if err := os.MkdirAll(path, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", path, err)
			}
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	probe, err := os.CreateTemp(path, ".write-probe-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", path, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return nil
}
