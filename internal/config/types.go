package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config represents the complete kiln configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	State   StateConfig   `yaml:"state"`
	Daemon  DaemonConfig  `yaml:"daemon"`
	Testing TestingConfig `yaml:"testing"`
	Metrics MetricsConfig `yaml:"metrics"`

	// SourcePath is the file the configuration was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name        string        `yaml:"name"`
	LogLevel    string        `yaml:"log_level"`
	IdleTimeout time.Duration `yaml:"idle_timeout"` // 0 keeps the daemon alive until stopped
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// DaemonConfig defines how the daemon is reached and started.
type DaemonConfig struct {
	Listen           string        `yaml:"listen"`
	Dir              string        `yaml:"dir"` // PID lock and registry
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	StartupLog       string        `yaml:"startup_log,omitempty"` // empty: handshake over stdout
	StopTimeout      time.Duration `yaml:"stop_timeout"`
}

// TestingConfig defines how test classes are executed.
type TestingConfig struct {
	Runner           string        `yaml:"runner"`
	Args             []string      `yaml:"args,omitempty"`
	WorkDir          string        `yaml:"work_dir,omitempty"`
	MaxParallelForks int           `yaml:"max_parallel_forks"`
	ClassTimeout     time.Duration `yaml:"class_timeout"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	base := defaultBaseDir()
	return &Config{
		Service: ServiceConfig{
			Name:        "kiln",
			LogLevel:    "info",
			IdleTimeout: 3 * time.Hour,
		},
		State: StateConfig{
			Path: filepath.Join(base, "kiln.db"),
		},
		Daemon: DaemonConfig{
			Listen:           "127.0.0.1:0",
			Dir:              filepath.Join(base, "daemon"),
			HandshakeTimeout: 30 * time.Second,
			StopTimeout:      10 * time.Second,
		},
		Testing: TestingConfig{
			MaxParallelForks: runtime.NumCPU(),
			ClassTimeout:     10 * time.Minute,
		},
	}
}

func defaultBaseDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".kiln")
	}
	return filepath.Join(os.TempDir(), "kiln")
}
