package testexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/protocol"
)

const (
	terminationGracePeriod = 5 * time.Second
	maxStderrBytes         = 64 * 1024
	defaultClassTimeout    = 10 * time.Minute
)

// ForkConfig describes how test classes are run in child processes.
type ForkConfig struct {
	BuildID string
	Runner  string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
	Logger  *slog.Logger
}

// ForkingProcessor runs each test class in a fresh runner process. It
// speaks the JSON runner protocol over stdin/stdout and reports each test
// it learns about to its ResultProcessor.
type ForkingProcessor struct {
	cfg     ForkConfig
	worker  string
	logger  *slog.Logger
	results ResultProcessor
	stopped bool
	now     func() time.Time
}

// NewForkingProcessor creates a processor named worker.
func NewForkingProcessor(cfg ForkConfig, worker string) *ForkingProcessor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultClassTimeout
	}
	base := cfg.Logger
	if base == nil {
		base = log.WithComponent("runner")
	}
	return &ForkingProcessor{
		cfg:    cfg,
		worker: worker,
		logger: base.With("worker", worker),
		now:    time.Now,
	}
}

// ForkingFactory creates ForkingProcessors with sequential worker names.
type ForkingFactory struct {
	cfg  ForkConfig
	next atomic.Int64
}

// NewForkingFactory returns a factory for cfg.
func NewForkingFactory(cfg ForkConfig) *ForkingFactory {
	return &ForkingFactory{cfg: cfg}
}

// Create returns a new ForkingProcessor.
func (f *ForkingFactory) Create() Processor {
	n := f.next.Add(1)
	return NewForkingProcessor(f.cfg, fmt.Sprintf("worker-%d", n))
}

func (p *ForkingProcessor) StartProcessing(results ResultProcessor) error {
	p.results = results
	p.logger.Debug("worker ready", "runner", p.cfg.Runner)
	return nil
}

// ProcessTestClass runs tc to completion. Runner failures are reported as a
// failed test for the class; only failures to report are returned.
func (p *ForkingProcessor) ProcessTestClass(tc TestClassRunInfo) error {
	if p.results == nil {
		return errors.New("processing not started")
	}
	if p.stopped {
		return fmt.Errorf("worker %s stopped", p.worker)
	}

	logger := p.logger.With("class", tc.Class)
	start := p.now()

	req := &protocol.Request{
		Protocol:   protocol.Version,
		BuildID:    p.cfg.BuildID,
		Class:      tc.Class,
		Worker:     p.worker,
		DeadlineAt: start.Add(p.cfg.Timeout),
	}

	resp, stderr, err := p.spawnRunner(req, logger)
	if err == nil && resp.Status == "error" {
		err = errors.New(resp.Error)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("test class timed out after %s", p.cfg.Timeout)
		}
		logger.Error("test class failed to run", "error", err, "stderr", stderr)
		return p.reportClassFailure(tc, start, err, stderr)
	}

	failed := 0
	var reportErrs []error
	at := start
	for _, t := range resp.Tests {
		end := at.Add(t.Duration())
		if err := p.reportTest(tc, t, at, end); err != nil {
			reportErrs = append(reportErrs, err)
		}
		if t.Result == protocol.ResultFailed {
			failed++
		}
		at = end
	}
	logger.Info("test class completed", "tests", len(resp.Tests), "failed", failed, "duration", p.now().Sub(start))
	return errors.Join(reportErrs...)
}

// Stop marks the worker as finished. Classes run synchronously, so nothing
// is left in flight.
func (p *ForkingProcessor) Stop() error {
	p.stopped = true
	p.logger.Debug("worker stopped")
	return nil
}

func (p *ForkingProcessor) reportTest(tc TestClassRunInfo, t protocol.TestResult, start, end time.Time) error {
	d := TestDescriptor{
		ID:     tc.Class + "::" + t.Name,
		Name:   t.Name,
		Class:  tc.Class,
		Worker: p.worker,
	}
	errs := []error{p.results.Started(d, TestStartEvent{StartTime: start})}
	for _, line := range t.Output {
		dest := StdOut
		if line.Stream == string(StdErr) {
			dest = StdErr
		}
		errs = append(errs, p.results.Output(d.ID, TestOutputEvent{Destination: dest, Message: line.Text}))
	}
	result := ResultSuccess
	switch t.Result {
	case protocol.ResultFailed:
		result = ResultFailure
		msg := t.Failure
		if msg == "" {
			msg = "test failed"
		}
		errs = append(errs, p.results.Failure(d.ID, errors.New(msg)))
	case protocol.ResultSkipped:
		result = ResultSkipped
	}
	errs = append(errs, p.results.Completed(d.ID, TestCompleteEvent{EndTime: end, Result: result}))
	return errors.Join(errs...)
}

func (p *ForkingProcessor) reportClassFailure(tc TestClassRunInfo, start time.Time, cause error, stderr string) error {
	d := TestDescriptor{ID: tc.Class, Name: tc.Class, Class: tc.Class, Worker: p.worker}
	errs := []error{p.results.Started(d, TestStartEvent{StartTime: start})}
	if stderr != "" {
		errs = append(errs, p.results.Output(d.ID, TestOutputEvent{Destination: StdErr, Message: stderr}))
	}
	errs = append(errs,
		p.results.Failure(d.ID, cause),
		p.results.Completed(d.ID, TestCompleteEvent{EndTime: p.now(), Result: ResultFailure}),
	)
	return errors.Join(errs...)
}

// spawnRunner starts the runner, writes req to its stdin and decodes its
// response from stdout. The process is sent SIGTERM when the class timeout
// elapses and SIGKILL after the grace period.
func (p *ForkingProcessor) spawnRunner(req *protocol.Request, logger *slog.Logger) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(p.cfg.Timeout)
	defer timeoutTimer.Stop()

	cmd := exec.Command(p.cfg.Runner, p.cfg.Args...)
	cmd.Dir = p.cfg.Dir
	if len(p.cfg.Env) > 0 {
		cmd.Env = p.cfg.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning test runner", "runner", p.cfg.Runner, "timeout", p.cfg.Timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start runner: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("test runner timed out, sending SIGTERM")
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			logger.Info("test runner exited after SIGTERM")
		case <-grace.C:
			logger.Warn("test runner did not exit after SIGTERM, sending SIGKILL")
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return nil, truncateStderr(stderr.String()), context.DeadlineExceeded

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		werr := <-writeErr

		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for runner: %w", err)
			}
			logger.Warn("test runner exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			if werr != nil {
				return nil, stderrStr, werr
			}
			logger.Error("failed to decode runner response", "error", err, "stdout", string(raw))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		if werr != nil {
			logger.Debug("runner exited before reading the request", "error", werr)
		}
		return resp, stderrStr, nil
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
