package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/handshake"
	"github.com/mattjoyce/kiln/internal/log"
)

// SpawnOptions controls how a daemon is started.
type SpawnOptions struct {
	// Executable is the kiln binary. Defaults to the running executable.
	Executable string
	// ConfigPath is passed to the daemon with --config when set.
	ConfigPath string
	// StartupLog, when set, makes the daemon greet through this file
	// instead of its stdout.
	StartupLog string
	// Timeout bounds the wait for the greeting. Defaults to the configured
	// handshake timeout.
	Timeout time.Duration
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// Spawn starts a detached daemon and waits for its greeting.
func Spawn(ctx context.Context, cfg *config.Config, opts SpawnOptions) error {
	exe := opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate kiln executable: %w", err)
		}
		exe = self
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = cfg.Daemon.HandshakeTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("client")
	}
	greeter := handshake.NewGreeter(handshake.WithClock(clock), handshake.WithLogger(logger))

	args := []string{"daemon"}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	startupLog := opts.StartupLog
	if startupLog == "" {
		startupLog = cfg.Daemon.StartupLog
	}
	if startupLog != "" {
		args = append(args, "--startup-log", startupLog)
	}

	cmd := exec.Command(exe, args...)
	cmd.SysProcAttr = detached()
	logger.Info("starting daemon", "executable", exe, "args", args)

	if startupLog != "" {
		if err := os.Remove(startupLog); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale startup log: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		_ = cmd.Process.Release()
		return greeter.VerifyGreetingFile(startupLog, timeout)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create daemon stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	verified := make(chan error, 1)
	go func() { verified <- greeter.VerifyGreetingReceived(stdout) }()

	timer := clock.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-verified:
		if err != nil {
			// reap the failed daemon
			_ = cmd.Wait()
			return err
		}
		_ = cmd.Process.Release()
		return nil
	case <-timer.Chan():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("%s no greeting within %s", handshake.UnableToStartDaemon, timeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return ctx.Err()
	}
}

// Ensure connects to a compatible daemon, starting one first when none is
// running and spawn is true.
func Ensure(ctx context.Context, cfg *config.Config, spawn bool, opts SpawnOptions) (*Client, error) {
	c, err := Connect(ctx, cfg)
	if err == nil || !spawn || !errors.Is(err, ErrNoDaemon) {
		return c, err
	}
	if err := Spawn(ctx, cfg, opts); err != nil {
		return nil, err
	}

	// A polled startup log may time out without a verdict, so the daemon
	// gets a short grace period to register.
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	deadline := clock.Now().Add(5 * time.Second)
	for {
		c, err = Connect(ctx, cfg)
		if err == nil || !errors.Is(err, ErrNoDaemon) || !clock.Now().Before(deadline) {
			return c, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clock.After(handshake.PollInterval):
		}
	}
}
