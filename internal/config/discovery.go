package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "FABRICGW_CONFIG"

// DiscoverConfigFile finds the config file by checking standard locations.
// Priority order: $FABRICGW_CONFIG, ~/.config/fabricgw/config.yaml,
// /etc/fabricgw/config.yaml, ./config.yaml. It returns "" when none exists;
// the server then runs on defaults.
func DiscoverConfigFile() (string, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if !fileExists(path) {
			return "", fmt.Errorf("$%s points at %s, which does not exist", EnvConfigPath, path)
		}
		return path, nil
	}

	var candidates []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "fabricgw", "config.yaml"))
	}
	candidates = append(candidates, "/etc/fabricgw/config.yaml", "./config.yaml")

	for _, path := range candidates {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
