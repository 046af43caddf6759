package config

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns the dynamo configuration directory.
func GetConfigDir() string {
	if dir := os.Getenv("DYNAMO_CONFIG_DIR"); dir != "" {
		return dir
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dynamo")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dynamo"
	}
	return filepath.Join(home, ".dynamo")
}

// GetConfigPath returns the default configuration file path.
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}
