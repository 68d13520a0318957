package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file. Values not present in
// the file keep their defaults.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", absPath, err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Resolve loads configPath when given, otherwise the first discovered
// config file, otherwise the defaults.
func Resolve(configPath string) (*Config, error) {
	if configPath != "" {
		return Load(configPath)
	}
	path, err := Discover()
	if err != nil {
		cfg := Defaults()
		return cfg, validate(cfg)
	}
	return Load(path)
}

// resolvePaths makes relative paths relative to the config file.
func resolvePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{&cfg.State.Path, &cfg.Daemon.Dir, &cfg.Daemon.StartupLog, &cfg.Testing.WorkDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
	if r := cfg.Testing.Runner; r != "" && !filepath.IsAbs(r) && filepath.Base(r) != r {
		cfg.Testing.Runner = filepath.Join(baseDir, r)
	}
}

// interpolateEnv replaces ${VAR} with its value. Unknown variables are left
// in place so validation can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.IdleTimeout < 0 {
		return fmt.Errorf("service.idle_timeout must not be negative")
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if _, _, err := net.SplitHostPort(cfg.Daemon.Listen); err != nil {
		return fmt.Errorf("daemon.listen %q: %w", cfg.Daemon.Listen, err)
	}
	if cfg.Daemon.Dir == "" {
		return fmt.Errorf("daemon.dir is required")
	}
	if cfg.Daemon.HandshakeTimeout <= 0 {
		return fmt.Errorf("daemon.handshake_timeout must be positive")
	}
	if cfg.Daemon.StopTimeout <= 0 {
		return fmt.Errorf("daemon.stop_timeout must be positive")
	}

	if cfg.Testing.MaxParallelForks < 1 {
		return fmt.Errorf("testing.max_parallel_forks must be at least 1 (got %d)", cfg.Testing.MaxParallelForks)
	}
	if cfg.Testing.ClassTimeout <= 0 {
		return fmt.Errorf("testing.class_timeout must be positive")
	}

	for field, value := range map[string]string{
		"state.path":     cfg.State.Path,
		"daemon.dir":     cfg.Daemon.Dir,
		"testing.runner": cfg.Testing.Runner,
	} {
		if m := envVarPattern.FindStringSubmatch(value); m != nil {
			return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
		}
	}
	return nil
}
