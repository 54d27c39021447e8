// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultListenAddr = ":8083"
	defaultConfigDir  = "/var/lib/homectl"
)

// ListenAddr returns the HTTP bind address (env LISTEN_ADDR).
func ListenAddr() string {
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		return v
	}
	return defaultListenAddr
}

// ConfigDir returns the directory holding the persisted documents
// (env CONFIG_DIR).
func ConfigDir() string {
	if v := strings.TrimSpace(os.Getenv("CONFIG_DIR")); v != "" {
		return v
	}
	return defaultConfigDir
}

// LogLevel returns the configured log level (env LOG_LEVEL).
func LogLevel() string {
	return strings.TrimSpace(os.Getenv("LOG_LEVEL"))
}

// SchedulerPath is the location of the scheduler configuration document.
func SchedulerPath() string {
	return filepath.Join(ConfigDir(), "scheduler.json")
}

// ScenesPath is the location of the scene definitions document.
func ScenesPath() string {
	return filepath.Join(ConfigDir(), "scenes.json")
}

// ShadeDBPath is the location of the shade registry database.
func ShadeDBPath() string {
	return filepath.Join(ConfigDir(), "shades.db")
}

// SerialAllowListPath is the location of the serial device allow-list.
func SerialAllowListPath() string {
	return filepath.Join(ConfigDir(), "serial_ports")
}

// BluetoothDevicePath returns the D-Bus object path of the paired speaker
// (env BT_DEVICE_PATH). Empty disables audio.
func BluetoothDevicePath() string {
	return strings.TrimSpace(os.Getenv("BT_DEVICE_PATH"))
}

// PlayerExecPath returns the music player binary (env PLAYER_EXEC).
func PlayerExecPath() string {
	if v := strings.TrimSpace(os.Getenv("PLAYER_EXEC")); v != "" {
		return v
	}
	return "/usr/local/bin/shades-player"
}
