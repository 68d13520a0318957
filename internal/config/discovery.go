package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfig names the environment variable that points at a config file.
const EnvConfig = "KILN_CONFIG"

// Discover finds the config file by checking standard locations.
// Priority order: $KILN_CONFIG, ~/.config/kiln/config.yaml,
// /etc/kiln/config.yaml, ./kiln.yaml.
func Discover() (string, error) {
	for _, candidate := range candidates() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/kiln/config.yaml, /etc/kiln/config.yaml, ./kiln.yaml)", EnvConfig)
}

func candidates() []string {
	var out []string
	if p := os.Getenv(EnvConfig); p != "" {
		out = append(out, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(homeDir, ".config", "kiln", "config.yaml"))
	}
	return append(out, "/etc/kiln/config.yaml", "kiln.yaml")
}
