package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	lockFile     = "daemon.lock"
	registryFile = "registry.json"
)

// Registry tells clients how to reach the running daemon.
type Registry struct {
	PID         int       `json:"pid"`
	Addr        string    `json:"addr"`
	Token       string    `json:"token"`
	Fingerprint string    `json:"fingerprint"`
	Version     string    `json:"version"`
	StartedAt   time.Time `json:"started_at"`
}

// LockPath returns the daemon lock file inside dir.
func LockPath(dir string) string { return filepath.Join(dir, lockFile) }

// RegistryPath returns the registry file inside dir.
func RegistryPath(dir string) string { return filepath.Join(dir, registryFile) }

// WriteRegistry atomically replaces the registry in dir. The file holds the
// daemon's bearer token, so it is only readable by its owner.
func WriteRegistry(dir string, r Registry) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	tmp, err := os.CreateTemp(dir, registryFile+".*")
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod registry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), RegistryPath(dir)); err != nil {
		return fmt.Errorf("install registry: %w", err)
	}
	return nil
}

// ReadRegistry loads the registry in dir. A missing registry is reported
// with an error matching os.ErrNotExist.
func ReadRegistry(dir string) (*Registry, error) {
	data, err := os.ReadFile(RegistryPath(dir))
	if err != nil {
		return nil, err
	}
	var r Registry
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return &r, nil
}

// RemoveRegistry deletes the registry in dir if it still belongs to pid.
func RemoveRegistry(dir string, pid int) error {
	r, err := ReadRegistry(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.PID != pid {
		return nil
	}
	if err := os.Remove(RegistryPath(dir)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove registry: %w", err)
	}
	return nil
}
