package exec

import (
	"log/slog"

	"github.com/mattjoyce/kiln/internal/handshake"
	"github.com/mattjoyce/kiln/internal/log"
)

//go:generate mockgen -destination=mocks/mock_exec.go -package=mocks github.com/mattjoyce/kiln/internal/daemon/exec Connection,LoggingManager

// LoggingManager controls the daemon's logging output.
type LoggingManager interface {
	SetLevel(level string)
	Start()
	Stop()
	AddListener(l log.Listener)
	RemoveListener(l log.Listener)
}

// LogToClient streams daemon output to the client for the duration of a
// build. The client's forwarder is removed and logging is stopped however
// the rest of the build ends.
type LogToClient struct {
	Logging LoggingManager
	// Renderer, when set, also receives every event, e.g. to keep a local
	// copy of the output in the daemon log.
	Renderer log.Listener
	Logger   *slog.Logger
}

func (l *LogToClient) Execute(e *Execution) {
	BuildCommandOnly(l.forward).Execute(e)
}

func (l *LogToClient) forward(e *Execution, b Build) {
	fwd := &clientForwarder{conn: e.Connection}

	l.Logging.SetLevel(b.LogLevel)
	l.Logging.Start()
	l.Logging.AddListener(fwd)
	if l.Renderer != nil {
		l.Logging.AddListener(l.Renderer)
	}
	defer func() {
		l.Logging.RemoveListener(fwd)
		l.Logging.Stop()
	}()

	logger := l.Logger
	if logger == nil {
		logger = log.WithComponent("daemon")
	}
	logger.Info(handshake.StartedRelayingLogs, "build_id", b.ID)

	e.Proceed()
}

// clientForwarder relays output events to one client. A client that goes
// away mid-build must not interrupt the build, so delivery failures are
// dropped.
type clientForwarder struct {
	conn Connection
}

func (f *clientForwarder) OnOutput(ev log.OutputEvent) {
	defer func() { _ = recover() }()
	_ = f.conn.Dispatch(ev)
}
