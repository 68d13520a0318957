// Package handshake lets a client confirm that a daemon it spawned came up.
//
// The daemon writes a single sentinel line once it is ready. The client
// either reads the daemon's output stream to the end, or polls a startup
// log file until the sentinel shows up as its last line.
package handshake

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/kiln/internal/log"
	"github.com/mattjoyce/kiln/internal/metrics"
)

const (
	// ProcessStarted is the greeting a healthy daemon writes.
	ProcessStarted = "Daemon process started."
	// StartedRelayingLogs is logged once a daemon forwards its output to a client.
	StartedRelayingLogs = "Daemon started relaying all logging output to the client."
	// UnableToStartDaemon heads every handshake failure.
	UnableToStartDaemon = "Unable to start the daemon process."

	// PollInterval is how often VerifyGreetingFile re-reads the file.
	PollInterval = 200 * time.Millisecond

	troubleshooting = "This problem might be caused by incorrect configuration of the daemon.\n" +
		"For example, an unrecognized option is used in the daemon configuration.\n" +
		"Please refer to the kiln documentation on the daemon.\n" +
		"Please read the following process output to find out more:\n" +
		"-----------------------\n"

	readFailure = "Unable to get a greeting message from the daemon process. " +
		"Most likely the daemon process cannot be started."
)

// Error reports a daemon that did not greet.
type Error struct {
	// Output holds every line the daemon produced, when it was readable.
	Output []string
	msg    string
	cause  error
}

func (e *Error) Error() string { return e.msg }

func (e *Error) Unwrap() error { return e.cause }

func newOutputError(lines []string) *Error {
	var b strings.Builder
	b.WriteString(UnableToStartDaemon)
	b.WriteString("\n")
	b.WriteString(troubleshooting)
	for _, l := range lines {
		b.WriteString(l)
		b.WriteString("\n")
	}
	return &Error{Output: lines, msg: b.String()}
}

func newReadError(cause error) *Error {
	return &Error{msg: readFailure + ": " + cause.Error(), cause: cause}
}

// Greeter writes and verifies the daemon greeting.
type Greeter struct {
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics metrics.Recorder
}

// Option configures a Greeter.
type Option func(*Greeter)

// WithClock sets the clock used for polling.
func WithClock(c clockwork.Clock) Option {
	return func(g *Greeter) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Greeter) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the recorder for handshake outcomes.
func WithMetrics(r metrics.Recorder) Option {
	return func(g *Greeter) {
		g.metrics = metrics.OrNoop(r)
	}
}

// NewGreeter creates a Greeter on the real clock.
func NewGreeter(opts ...Option) *Greeter {
	g := &Greeter{
		clock:   clockwork.NewRealClock(),
		logger:  log.WithComponent("handshake"),
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SendGreetingAndClose writes the greeting to w and closes it.
func (g *Greeter) SendGreetingAndClose(w io.WriteCloser) error {
	werr := g.SendGreeting(w)
	cerr := w.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return fmt.Errorf("close greeting stream: %w", cerr)
	}
	return nil
}

// SendGreeting writes the greeting line to w and leaves it open.
func (g *Greeter) SendGreeting(w io.Writer) error {
	if _, err := io.WriteString(w, ProcessStarted+"\n"); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
	g.logger.Debug("greeting sent")
	return nil
}

// VerifyGreetingReceived reads r to the end and succeeds when the last line
// is the greeting.
func (g *Greeter) VerifyGreetingReceived(r io.Reader) error {
	err := checkLines(r)
	g.record(err)
	return err
}

// VerifyGreetingFile polls path until its last line is the greeting or
// maxWait elapses. Files that are absent or not yet complete are retried.
// A deadline without confirmation is not an error; the caller learns about
// a dead daemon when it tries to connect.
func (g *Greeter) VerifyGreetingFile(path string, maxWait time.Duration) error {
	deadline := g.clock.Now().Add(maxWait)
	for g.clock.Now().Before(deadline) {
		f, err := os.Open(path)
		switch {
		case err == nil:
			err = checkLines(f)
			f.Close()
			if err == nil {
				g.record(nil)
				return nil
			}
			g.logger.Debug("greeting not in startup log yet", "path", path)
		case errors.Is(err, os.ErrNotExist):
		default:
			err = fmt.Errorf("open startup log %s: %w", path, err)
			g.record(err)
			return err
		}
		g.clock.Sleep(PollInterval)
	}
	g.logger.Warn("no greeting before deadline", "path", path, "waited", maxWait)
	g.metrics.IncHandshake("timeout")
	return nil
}

func (g *Greeter) record(err error) {
	if err != nil {
		g.logger.Warn("daemon greeting not received", "error", err)
		g.metrics.IncHandshake("failed")
		return
	}
	g.logger.Debug("daemon greeting received")
	g.metrics.IncHandshake("ok")
}

func checkLines(r io.Reader) error {
	lines, err := readLines(r)
	if err != nil {
		return newReadError(err)
	}
	if len(lines) == 0 || lines[len(lines)-1] != ProcessStarted {
		return newOutputError(lines)
	}
	return nil
}

// readLines returns every line of r without its line ending. Lines of any
// length are accepted.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			lines = append(lines, strings.TrimSuffix(line, "\r"))
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
