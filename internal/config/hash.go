package config

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// fingerprintInput holds the settings a running daemon is bound to. A
// client may only reuse a daemon whose fingerprint matches its own.
type fingerprintInput struct {
	State    string        `yaml:"state"`
	Dir      string        `yaml:"dir"`
	Testing  TestingConfig `yaml:"testing"`
	Metrics  bool          `yaml:"metrics"`
	Idle     string        `yaml:"idle"`
	Protocol int           `yaml:"protocol"`
}

// fingerprintProtocol changes whenever the client/daemon wire format does.
const fingerprintProtocol = 1

// Fingerprint returns a BLAKE3 digest of the daemon-affecting settings.
func Fingerprint(cfg *Config) (string, error) {
	in := fingerprintInput{
		State:    cfg.State.Path,
		Dir:      cfg.Daemon.Dir,
		Testing:  cfg.Testing,
		Metrics:  cfg.Metrics.Enabled,
		Idle:     cfg.Service.IdleTimeout.String(),
		Protocol: fingerprintProtocol,
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal fingerprint input: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}
