// Package daemon runs kiln's long-lived build daemon.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/kiln/internal/actor"
	"github.com/mattjoyce/kiln/internal/api"
	"github.com/mattjoyce/kiln/internal/auth"
	"github.com/mattjoyce/kiln/internal/builds"
	"github.com/mattjoyce/kiln/internal/config"
	"github.com/mattjoyce/kiln/internal/daemon/exec"
	"github.com/mattjoyce/kiln/internal/events"
	"github.com/mattjoyce/kiln/internal/handshake"
	"github.com/mattjoyce/kiln/internal/lock"
	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/metrics"
	"github.com/mattjoyce/kiln/internal/protocol"
	"github.com/mattjoyce/kiln/internal/storage"
	"github.com/mattjoyce/kiln/internal/testexec"
)

// TranscriptFile holds a plain-text copy of everything relayed to clients.
const TranscriptFile = "output.log"

// Options configures a Daemon.
type Options struct {
	Config  *config.Config
	Version string
	// Greeting receives the startup greeting, or the reason startup failed,
	// and is closed afterwards. Typically stdout or the startup log.
	Greeting io.WriteCloser
	// StartupLog marks Greeting as a polled startup log. It stays open after
	// the greeting and records the daemon's shutdown before it is closed.
	StartupLog bool
	// Logger is the daemon's own log destination. Defaults to the global logger.
	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Daemon serves builds for clients until it is stopped or goes idle.
type Daemon struct {
	cfg      *config.Config
	version  string
	greeting io.WriteCloser
	keepOpen bool
	clock    clockwork.Clock
	logging  *log.Manager
	base     *slog.Logger
	logger   *slog.Logger
	greeter  *handshake.Greeter
	hub      *events.Hub

	runner    exec.BuildRunner
	renderer  log.Listener
	startedAt time.Time
	addr      string

	slot chan struct{}

	mu         sync.Mutex
	cancel     context.CancelFunc
	stopped    bool
	lastActive time.Time
	current    string
	completed  int
}

// New creates a daemon. Nothing is started until Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("daemon: config is required")
	}
	if opts.Greeting == nil {
		return nil, errors.New("daemon: greeting channel is required")
	}
	base := opts.Logger
	if base == nil {
		base = log.Get()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logging := log.NewManager()
	logger := logging.Logger(base).With("component", "daemon")
	return &Daemon{
		cfg:      opts.Config,
		version:  opts.Version,
		greeting: opts.Greeting,
		keepOpen: opts.StartupLog,
		clock:    clock,
		logging:  logging,
		base:     base,
		logger:   logger,
		greeter:  handshake.NewGreeter(handshake.WithClock(clock), handshake.WithLogger(logger)),
		hub:      events.NewHub(256),
		slot:     make(chan struct{}, 1),
	}, nil
}

// Logging returns the manager that relays output to build clients.
func (d *Daemon) Logging() *log.Manager { return d.logging }

// Run starts the daemon and blocks until it stops. Startup failures are
// also written to the greeting channel so the spawning client can show them.
func (d *Daemon) Run(ctx context.Context) (err error) {
	greeted := false
	defer func() {
		if err != nil && !greeted {
			d.reportStartupFailure(err)
		}
	}()

	cfg := d.cfg
	dir := cfg.Daemon.Dir
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create daemon directory: %w", err)
	}
	if err := storage.RequireLocalFilesystem(dir, "daemon.dir"); err != nil {
		return err
	}

	pidLock, err := lock.AcquirePIDLock(lock.LockPath(dir))
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	defer pidLock.Release()

	fingerprint, err := config.Fingerprint(cfg)
	if err != nil {
		return err
	}

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	store := builds.New(db)
	if n, err := store.MarkInterrupted(ctx); err != nil {
		return fmt.Errorf("recover interrupted builds: %w", err)
	} else if n > 0 {
		d.logger.Warn("marked builds from a previous daemon as interrupted", "count", n)
	}

	transcript, err := os.OpenFile(filepath.Join(dir, TranscriptFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer transcript.Close()
	d.renderer = log.NewWriterListener(transcript)

	var rec metrics.Recorder = metrics.NoopRecorder{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		reg := prom.NewRegistry()
		rec = metrics.NewPrometheusRecorder(reg)
		metricsHandler = metrics.HTTPHandler(reg)
	}

	d.runner = &Runner{
		Store: store,
		Fork: testexec.ForkConfig{
			Runner:  cfg.Testing.Runner,
			Args:    cfg.Testing.Args,
			Dir:     cfg.Testing.WorkDir,
			Timeout: cfg.Testing.ClassTimeout,
		},
		MaxWorkers: cfg.Testing.MaxParallelForks,
		Actors:     actor.DefaultFactory{Logger: d.logger.With("component", "actor"), Metrics: rec},
		Hub:        d.hub,
		Metrics:    rec,
		Logger:     d.logging.Logger(d.base).With("component", "build"),
	}

	ln, err := net.Listen("tcp", cfg.Daemon.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Daemon.Listen, err)
	}
	defer ln.Close()
	d.addr = ln.Addr().String()

	token := auth.NewToken()
	server := api.New(api.Config{
		Token:           token,
		Version:         d.version,
		ShutdownTimeout: cfg.Daemon.StopTimeout,
	}, d, d.hub, metricsHandler, d.logger.With("component", "api"))

	pid := os.Getpid()
	d.startedAt = d.clock.Now()
	if err := lock.WriteRegistry(dir, lock.Registry{
		PID:         pid,
		Addr:        d.addr,
		Token:       token,
		Fingerprint: fingerprint,
		Version:     d.version,
		StartedAt:   d.startedAt.UTC(),
	}); err != nil {
		return err
	}
	defer func() {
		if err := lock.RemoveRegistry(dir, pid); err != nil {
			d.logger.Warn("failed to remove registry", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.cancel = cancel
	d.lastActive = d.clock.Now()
	d.mu.Unlock()

	d.logger.Info("daemon started", "pid", pid, "addr", d.addr, "version", d.version, "fingerprint", fingerprint)
	d.hub.Publish(EventDaemonStarted, DaemonInfo{PID: pid, Addr: d.addr})

	if err := d.greet(); err != nil {
		return err
	}
	greeted = true
	if d.keepOpen {
		defer d.closeStartupLog()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, ln) })
	g.Go(func() error {
		d.watchIdle(gctx)
		return nil
	})
	err = g.Wait()

	d.hub.Publish(EventDaemonStopping, DaemonInfo{PID: pid, Addr: d.addr, Builds: d.buildsCompleted()})
	d.logger.Info("daemon stopped", "builds", d.buildsCompleted())
	return err
}

func (d *Daemon) greet() error {
	if d.keepOpen {
		return d.greeter.SendGreeting(d.greeting)
	}
	return d.greeter.SendGreetingAndClose(d.greeting)
}

func (d *Daemon) closeStartupLog() {
	_, _ = fmt.Fprintf(d.greeting, "kiln daemon: stopped after %d builds\n", d.buildsCompleted())
	if err := d.greeting.Close(); err != nil {
		d.logger.Warn("failed to close startup log", "error", err)
	}
}

func (d *Daemon) reportStartupFailure(err error) {
	d.logger.Error("daemon failed to start", "error", err)
	_, _ = fmt.Fprintf(d.greeting, "kiln daemon: %v\n", err)
	_ = d.greeting.Close()
}

// Execute runs cmd through the daemon's command chain.
func (d *Daemon) Execute(ctx context.Context, cmd exec.Command, conn exec.Connection) {
	d.touch()
	defer d.touch()

	e := exec.NewExecution(ctx, cmd, conn,
		&exec.ForwardFailure{Logger: d.logger},
		&exec.LogToClient{Logging: d.logging, Renderer: d.renderer, Logger: d.logger},
		&exec.HandleStop{Shutdown: d.requestStop},
		&exec.HandleStatus{Report: d.status},
		&exec.ExecuteBuild{Runner: d},
		exec.ReturnResult{},
	)
	e.Proceed()
}

// RunBuild tracks the current build around the configured runner.
func (d *Daemon) RunBuild(ctx context.Context, b exec.Build) (protocol.BuildResult, error) {
	if d.runner == nil {
		return protocol.BuildResult{}, errors.New("daemon is not running")
	}
	d.mu.Lock()
	d.current = b.ID
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.current = ""
		d.completed++
		d.mu.Unlock()
	}()
	return d.runner.RunBuild(ctx, b)
}

// AcquireBuildSlot reserves the daemon for one build.
func (d *Daemon) AcquireBuildSlot() (func(), bool) {
	select {
	case d.slot <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-d.slot }) }, true
	default:
		return nil, false
	}
}

func (d *Daemon) requestStop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.cancel == nil {
		return
	}
	d.stopped = true
	d.logger.Info("daemon stop requested")
	d.cancel()
}

func (d *Daemon) status() exec.StatusReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return exec.StatusReport{
		PID:        os.Getpid(),
		Addr:       d.addr,
		Version:    d.version,
		Uptime:     d.clock.Since(d.startedAt).Round(time.Second).String(),
		Busy:       len(d.slot) > 0,
		Builds:     d.completed,
		CurrentID:  d.current,
		MaxWorkers: d.cfg.Testing.MaxParallelForks,
	}
}

func (d *Daemon) touch() {
	d.mu.Lock()
	d.lastActive = d.clock.Now()
	d.mu.Unlock()
}

func (d *Daemon) buildsCompleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completed
}

// watchIdle stops the daemon once it has had no client activity for the
// configured idle timeout. A running build counts as activity.
func (d *Daemon) watchIdle(ctx context.Context) {
	idle := d.cfg.Service.IdleTimeout
	if idle <= 0 {
		<-ctx.Done()
		return
	}
	timer := d.clock.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			d.mu.Lock()
			remaining := idle - d.clock.Since(d.lastActive)
			d.mu.Unlock()
			if len(d.slot) > 0 {
				remaining = idle
			}
			if remaining <= 0 {
				d.logger.Info("daemon idle, stopping", "idle_timeout", idle)
				d.requestStop()
				return
			}
			timer.Reset(remaining)
		}
	}
}
